package registry

import "github.com/agentfleet/fleetd/pkg/models"

// Template supplies per-kind defaults applied at registration when the
// caller leaves capabilities or capacity unset.
type Template struct {
	Capabilities []string
	Capacity     int
}

var templates = map[models.AgentKind]Template{
	models.AgentKindWorker:     {Capacity: 2},
	models.AgentKindValidator:  {Capabilities: []string{"validation"}, Capacity: 1},
	models.AgentKindMonitor:    {Capabilities: []string{"monitoring"}, Capacity: 4},
	models.AgentKindWatchdog:   {Capabilities: []string{"monitoring", "intervention"}, Capacity: 2},
	models.AgentKindGuardian:   {Capabilities: []string{"steering", "intervention"}, Capacity: 1},
	models.AgentKindDiagnostic: {Capabilities: []string{"diagnosis"}, Capacity: 1},
}

// TemplateFor returns the defaults for a kind. Unknown kinds get an
// empty template; Register rejects them before this matters.
func TemplateFor(kind models.AgentKind) Template {
	return templates[kind]
}
