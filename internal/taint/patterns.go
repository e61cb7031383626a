package taint

import (
	"path"
	"regexp"
	"strings"
)

// SourceType classifies where a value comes from.
type SourceType string

const (
	UserInput   SourceType = "USER_INPUT"
	Database    SourceType = "DATABASE"
	Config      SourceType = "CONFIG"
	Session     SourceType = "SESSION"
	ExternalAPI SourceType = "EXTERNAL_API"
	Unknown     SourceType = "UNKNOWN"
)

// SinkType classifies a dangerous use of a value.
type SinkType string

const (
	SQLInjection     SinkType = "SQL_INJECTION"
	CommandInjection SinkType = "COMMAND_INJECTION"
	XSS              SinkType = "XSS"
	OpenRedirect     SinkType = "OPEN_REDIRECT"
	PathTraversal    SinkType = "PATH_TRAVERSAL"
	Deserialization  SinkType = "DESERIALIZATION"
	CodeInjection    SinkType = "CODE_INJECTION"
	SSRF             SinkType = "SSRF"
)

// Language families. TypeScript and JavaScript share one.
const (
	LangJavaScript = "javascript"
	LangJava       = "java"
	LangDart       = "dart"
	LangPython     = "python"
	LangDefault    = "default"
)

type sourcePattern struct {
	typ SourceType
	re  *regexp.Regexp
}

type sinkPattern struct {
	typ SinkType
	re  *regexp.Regexp
}

// family is the pattern set for one language. Slices are ordered: the first
// match wins.
type family struct {
	sources      []sourcePattern
	sinks        []sinkPattern
	validation   []*regexp.Regexp
	sanitization []*regexp.Regexp
}

func src(t SourceType, exprs ...string) []sourcePattern {
	out := make([]sourcePattern, len(exprs))
	for i, e := range exprs {
		out[i] = sourcePattern{typ: t, re: regexp.MustCompile(e)}
	}
	return out
}

func sink(t SinkType, exprs ...string) []sinkPattern {
	out := make([]sinkPattern, len(exprs))
	for i, e := range exprs {
		out[i] = sinkPattern{typ: t, re: regexp.MustCompile(e)}
	}
	return out
}

func res(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

func concat[T any](parts ...[]T) []T {
	var out []T
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

var commonSanitization = res(
	`(?i)\bsanitiz\w*\s*\(`,
	`(?i)\bescape\w*\s*\(`,
	`(?i)\bencode(for)?\w*\s*\(`,
	`(?i)\bpurify\w*\s*\(`,
)

var commonValidation = res(
	`(?i)\bvalidat\w*\s*\(`,
	`(?i)\bis_?valid\w*\s*\(`,
	`(?i)\bwhitelist|\ballow_?list`,
)

var families = map[string]*family{
	LangJavaScript: {
		sources: concat(
			src(Session, `\breq(uest)?\.session\b`, `\b(localStorage|sessionStorage)\b`, `\bdocument\.cookie\b`),
			src(UserInput,
				`\breq(uest)?\.(body|query|params|headers|cookies|files?)\b`,
				`\bctx\.(request|query|params)\b`,
				`\bprocess\.argv\b`,
				`\b(window\.)?location\.(search|hash|href|pathname)\b`,
				`\bdocument\.(URL|referrer)\b`,
				`\b(event|e)\.target\.value\b`,
				`\bURLSearchParams\b`,
				`\bformData\b`,
				`\b(route|router)\.(params|query)\b`,
			),
			src(Config, `\bprocess\.env\b`, `\bconfig\.get\s*\(`, `\benvironment\.\w+`),
			src(ExternalAPI, `\bfetch\s*\(`, `\baxios(\.\w+)?\s*\(`, `\bhttp\.(get|post|request)\s*\(`, `\.json\s*\(\s*\)`),
			src(Database, `\.(findOne|findMany|findAll|findById|find|findUnique|aggregate)\s*\(`, `\bprisma\.\w+`, `\.(query|execute)\s*\(`),
		),
		sinks: concat(
			sink(SQLInjection,
				`\.(query|execute|raw|\$queryRawUnsafe|\$executeRawUnsafe)\s*\(`,
				`\bdb\.exec\s*\(`,
				"(?i)[`'\"]\\s*(select|insert|update|delete)\\b.*(\\+|\\$\\{)",
			),
			sink(CommandInjection, `\b(exec|execSync|spawn|spawnSync|execFile|execFileSync)\s*\(`, `\bchild_process\b`),
			sink(XSS,
				`\.(innerHTML|outerHTML)\s*=`,
				`\bdocument\.write(ln)?\s*\(`,
				`\bdangerouslySetInnerHTML\b`,
				`\bbypassSecurityTrust\w*\s*\(`,
				`\bres\.(send|write)\s*\(`,
				`\.html\s*\(`,
				`\.insertAdjacentHTML\s*\(`,
			),
			sink(OpenRedirect, `\bres\.redirect\s*\(`, `\b(window\.)?location(\.href)?\s*=[^=]`, `\blocation\.(assign|replace)\s*\(`),
			sink(PathTraversal, `\bfs\.\w+\s*\(`, `\bpath\.(join|resolve)\s*\(`, `\bsendFile\s*\(`, `\bcreateReadStream\s*\(`),
			sink(Deserialization, `\b(unserialize|deserialize)\s*\(`, `\byaml\.load\s*\(`, `\bnode-serialize\b`),
			sink(CodeInjection, `\beval\s*\(`, `\bnew\s+Function\s*\(`, "\\bset(Timeout|Interval)\\s*\\(\\s*[`'\"]", `\bvm\.run\w*\s*\(`),
			sink(SSRF, `\bfetch\s*\(`, `\baxios(\.\w+)?\s*\(`, `\bhttps?\.(get|request)\s*\(`, `\bgot\s*\(`),
		),
		validation: concat(commonValidation, res(
			`\b(joi|Joi|yup|zod|z)\.\w+\s*\(`,
			`\.safeParse\s*\(`,
			`@Is\w+\s*\(`,
			`\bvalidator\.is\w+\s*\(`,
			`\btypeof\s+\w+\s*===`,
			`\bNumber\.isInteger\s*\(`,
			`/\^.*\$/\.test\s*\(`,
		)),
		sanitization: concat(commonSanitization, res(
			`\bDOMPurify\.\w+\s*\(`,
			`\bencodeURI(Component)?\s*\(`,
			`\bxss\s*\(`,
			`\bvalidator\.(escape|blacklist|stripLow)\s*\(`,
			`\bpath\.basename\s*\(`,
			`\b(parseInt|parseFloat)\s*\(`,
		)),
	},
	LangJava: {
		sources: concat(
			src(Session, `\bgetSession\s*\(`, `\bsession\.getAttribute\s*\(`),
			src(UserInput,
				`\brequest\.(getParameter\w*|getHeader\w*|getQueryString|getInputStream|getReader|getCookies|getPathInfo)\s*\(`,
				`@(RequestParam|PathVariable|RequestBody|RequestHeader|CookieValue|QueryParam|PathParam|FormParam)\b`,
				`\bUtilHttp\.get\w*Parameter\w*\s*\(`,
				`\bcontext\.get\s*\(\s*"parameters"`,
			),
			src(Config, `\bSystem\.(getenv|getProperty)\s*\(`, `\bUtilProperties\.get\w+\s*\(`, `@Value\s*\(`, `\benvironment\.getProperty\s*\(`),
			src(ExternalAPI, `\b(RestTemplate|WebClient|HttpClient|OkHttpClient)\b`, `\.openConnection\s*\(`, `\.getForObject\s*\(`),
			src(Database, `\bResultSet\b`, `\brs\.get\w+\s*\(`, `\bEntityQuery\.use\s*\(`, `\bdelegator\.find\w*\s*\(`, `\brepository\.find\w*\s*\(`),
		),
		sinks: concat(
			sink(SQLInjection,
				`\.(executeQuery|executeUpdate|addBatch)\s*\(`,
				`\bcreateStatement\s*\(`,
				`\b(createQuery|createNativeQuery)\s*\([^)]*\+`,
				`\bprepareStatement\s*\([^)]*\+`,
				`\bjdbcTemplate\.(query|update|execute)\w*\s*\(`,
				`\bSQLProcessor\b`,
				`\.execute\s*\(`,
			),
			sink(CommandInjection, `\bRuntime\.getRuntime\s*\(\s*\)\s*\.exec\s*\(`, `\bnew\s+ProcessBuilder\s*\(`),
			sink(XSS, `\.getWriter\s*\(\s*\)\s*\.(print\w*|write)\s*\(`, `\bout\.print\w*\s*\(`, `\.getOutputStream\s*\(`),
			sink(OpenRedirect, `\.sendRedirect\s*\(`, `"redirect:"\s*\+`),
			sink(PathTraversal, `\bnew\s+(File|FileInputStream|FileOutputStream|FileReader|FileWriter)\s*\(`, `\bPaths\.get\s*\(`, `\bFiles\.\w+\s*\(`),
			sink(Deserialization, `\bObjectInputStream\b`, `\.readObject\s*\(`, `\bXMLDecoder\b`, `\bnew\s+Yaml\s*\(\s*\)\s*\.load`, `\bXStream\b`),
			sink(CodeInjection, `\bScriptEngine\w*\b`, `\bGroovyShell\b`, `\.eval\s*\(`, `\bSpelExpressionParser\b`),
			sink(SSRF, `\bnew\s+URL\s*\(`, `\.openConnection\s*\(`, `\bRestTemplate\b`, `\bHttpRequest\.newBuilder\s*\(`),
		),
		validation: concat(commonValidation, res(
			`@(Valid|Validated|Pattern|Size|NotNull|NotBlank|Email|Min|Max)\b`,
			`\bUtilValidate\.\w+\s*\(`,
			`\bPattern\.(compile|matches)\s*\(`,
			`\.matches\s*\(\s*"`,
			`\bValidator\b`,
		)),
		sanitization: concat(commonSanitization, res(
			`\bStringEscapeUtils\.\w+\s*\(`,
			`\bEncode\.for\w+\s*\(`,
			`\bESAPI\.encoder\s*\(`,
			`\bHtmlUtils\.htmlEscape\w*\s*\(`,
			`\bUtilCodec\.\w+\s*\(`,
			`\.set(String|Int|Long)\s*\(\s*\d+\s*,`,
			`\bFilenameUtils\.getName\s*\(`,
			`\bInteger\.parseInt\s*\(`,
		)),
	},
	LangDart: {
		sources: concat(
			src(Session, `\b(SharedPreferences|FlutterSecureStorage)\b`, `\bprefs\.get\w*\s*\(`),
			src(UserInput,
				`\bTextEditingController\b`,
				`\b\w*[cC]ontroller\.text\b`,
				`\bqueryParameters\b`,
				`\brequest\.(body|uri|headers|url)\b`,
				`\bUri\.base\b`,
				`\bstdin\.readLineSync\s*\(`,
				`\bonChanged\s*:`,
			),
			src(Config, `\bPlatform\.environment\b`, `\bdotenv\.\w+`, `\bString\.fromEnvironment\s*\(`),
			src(ExternalAPI, `\bhttp\.(get|post|put|delete)\s*\(`, `\b(Dio|dio)\b`),
			src(Database, `\brawQuery\s*\(`, `\bFirebaseFirestore\b`, `\.collection\s*\(`, `\.query\s*\(`),
		),
		sinks: concat(
			sink(SQLInjection, `\b(rawQuery|rawInsert|rawUpdate|rawDelete|execute)\s*\(`),
			sink(CommandInjection, `\bProcess\.(run|start|runSync)\s*\(`),
			sink(XSS, `\b(Html|HtmlWidget)\s*\(`, `\b(innerHtml|setInnerHtml)\b`, `\bWebView\w*\b`),
			sink(OpenRedirect, `\b(launchUrl|launch|launchUrlString)\s*\(`),
			sink(PathTraversal, `\b(File|Directory)\s*\(`),
			sink(SSRF, `\bhttp\.(get|post|put|delete)\s*\(\s*Uri\.parse\s*\(`, `\bdio\.(get|post)\s*\(`),
		),
		validation: concat(commonValidation, res(
			`\bvalidator\s*:`,
			`\bRegExp\s*\(`,
			`\.hasMatch\s*\(`,
			`\b(int|double)\.tryParse\s*\(`,
		)),
		sanitization: concat(commonSanitization, res(
			`\bHtmlEscape\b`,
			`\bUri\.encode\w*\s*\(`,
			`\bp\.basename\s*\(`,
		)),
	},
	LangPython: {
		sources: concat(
			src(Session, `\bsession\s*\[`, `\bsession\.get\s*\(`),
			src(UserInput,
				`\brequest\.(args|form|json|values|files|data|GET|POST|body|query_params|cookies|headers)\b`,
				`\binput\s*\(`,
				`\bsys\.argv\b`,
			),
			src(Config, `\bos\.(environ|getenv)\b`, `\bsettings\.[A-Z_]+\b`),
			src(ExternalAPI, `\brequests\.(get|post|put|delete|request)\s*\(`, `\burlopen\s*\(`, `\bhttpx\.\w+\s*\(`),
			src(Database, `\bcursor\.fetch\w*\s*\(`, `\.objects\.(get|filter|all|raw)\s*\(`, `\.fetch(one|all|many)\s*\(`),
		),
		sinks: concat(
			sink(SQLInjection, `\bcursor\.execute\w*\s*\(`, `\.execute\s*\(`, `\.raw\s*\(`, `\bexecutescript\s*\(`),
			sink(CommandInjection, `\bos\.(system|popen)\s*\(`, `\bsubprocess\.\w+\s*\(`, `\bcommands\.getoutput\s*\(`),
			sink(XSS, `\brender_template_string\s*\(`, `\b(Markup|mark_safe)\s*\(`, `\|\s*safe\b`),
			sink(OpenRedirect, `\bredirect\s*\(`, `\bHttpResponseRedirect\s*\(`),
			sink(PathTraversal, `\bopen\s*\(`, `\bos\.path\.join\s*\(`, `\bsend_file\s*\(`, `\bsend_from_directory\s*\(`),
			sink(Deserialization, `\bpickle\.loads?\s*\(`, `\byaml\.load\s*\(`, `\bmarshal\.loads\s*\(`, `\bshelve\.open\s*\(`),
			sink(CodeInjection, `\beval\s*\(`, `\bexec\s*\(`, `\bcompile\s*\(`),
			sink(SSRF, `\brequests\.(get|post|put|delete|request)\s*\(`, `\burlopen\s*\(`, `\bhttpx\.\w+\s*\(`),
		),
		validation: concat(commonValidation, res(
			`\bre\.(match|fullmatch)\s*\(`,
			`\.is(digit|alnum|alpha)\s*\(`,
			`\bform\.is_valid\s*\(`,
			`\bisinstance\s*\(`,
		)),
		sanitization: concat(commonSanitization, res(
			`\bbleach\.clean\s*\(`,
			`\bhtml\.escape\s*\(`,
			`\bshlex\.quote\s*\(`,
			`\bsecure_filename\s*\(`,
			`\b(int|float)\s*\(`,
			`%s".*,\s*\(`,
		)),
	},
	LangDefault: {
		sources: concat(
			src(Session, `(?i)\bsession\b`),
			src(UserInput, `\b(req|request)\.(body|query|params|form|args)\b`, `\bgetParameter\s*\(`, `(?i)\buser_?input\b`, `\bparams\s*\[`),
			src(Config, `(?i)\b(getenv|environ)\b`),
			src(ExternalAPI, `\b(fetch|urlopen|http\.get)\s*\(`),
			src(Database, `(?i)\b(fetch\w*|select|find\w*)\s*\(`),
		),
		sinks: concat(
			sink(SQLInjection, `\b(query|execute|executeQuery)\s*\(`),
			sink(CommandInjection, `\b(exec|system|popen|spawn)\s*\(`),
			sink(XSS, `\binnerHTML\b`, `\bdocument\.write\s*\(`),
			sink(OpenRedirect, `\bredirect\s*\(`),
			sink(PathTraversal, `\b(open|File|readFile)\s*\(`),
			sink(Deserialization, `\b(unserialize|readObject|pickle\.loads?)\s*\(`),
			sink(CodeInjection, `\beval\s*\(`),
			sink(SSRF, `\b(fetch|urlopen|http\.get)\s*\(`),
		),
		validation:   commonValidation,
		sanitization: commonSanitization,
	},
}

// Family maps a language name or alias onto its pattern family.
func Family(language string) string {
	switch strings.ToLower(language) {
	case "typescript", "javascript", "ts", "js", "tsx", "jsx":
		return LangJavaScript
	case "java", "groovy":
		return LangJava
	case "dart", "flutter":
		return LangDart
	case "python", "py":
		return LangPython
	}
	return LangDefault
}

// LanguageForFile guesses the language of path from its extension.
func LanguageForFile(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".java", ".groovy":
		return "java"
	case ".dart":
		return "dart"
	case ".py":
		return "python"
	}
	return LangDefault
}

func familyFor(language string) *family {
	return families[Family(language)]
}

func (f *family) source(line string) SourceType {
	for _, p := range f.sources {
		if p.re.MatchString(line) {
			return p.typ
		}
	}
	return Unknown
}

func (f *family) sink(line string) (SinkType, bool) {
	for _, p := range f.sinks {
		if p.re.MatchString(line) {
			return p.typ, true
		}
	}
	return "", false
}

func matchAny(res []*regexp.Regexp, line string) bool {
	for _, re := range res {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}
