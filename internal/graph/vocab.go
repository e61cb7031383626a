package graph

// Code node labels.
const (
	LabelFile     = "File"
	LabelFunction = "Function"
	LabelClass    = "Class"
)

// Code edge types.
const (
	EdgeContains   = "CONTAINS"
	EdgeHasMethod  = "HAS_METHOD"
	EdgeCalls      = "CALLS"
	EdgeImports    = "IMPORTS"
	EdgeExtends    = "EXTENDS"
	EdgeImplements = "IMPLEMENTS"
)

// Framework node labels for multi-artifact stacks (markup, script, and
// config files wired together by convention).
const (
	LabelComponent  = "Component"
	LabelWebapp     = "Webapp"
	LabelController = "Controller"
	LabelRequestMap = "RequestMap"
	LabelViewMap    = "ViewMap"
	LabelScreen     = "Screen"
	LabelForm       = "Form"
	LabelService    = "Service"
	LabelEntity     = "Entity"
	LabelTemplate   = "Template"
	LabelScript     = "Script"
)

// Framework edge types.
const (
	EdgeDeclares      = "DECLARES"
	EdgeMounts        = "MOUNTS"
	EdgeHandles       = "HANDLES"
	EdgeInvokes       = "INVOKES"
	EdgeRespondsWith  = "RESPONDS_WITH"
	EdgeRenders       = "RENDERS"
	EdgeIncludes      = "INCLUDES"
	EdgeUsesTemplate  = "USES_TEMPLATE"
	EdgeRuns          = "RUNS"
	EdgeCallsService  = "CALLS_SERVICE"
	EdgeImplementedBy = "IMPLEMENTED_BY"
)

// QualifiedMethod returns the graph name of a class method.
func QualifiedMethod(class, method string) string {
	return class + "." + method
}
