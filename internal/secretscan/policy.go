package secretscan

// policyTable resolves (compliancePreset, severity) -> Action. Both warn
// and redact are valid responses to a medium-risk match depending on
// deployment, so this is a table rather than one global threshold: a
// stricter preset can block what a looser one only warns on.
var policyTable = map[string]map[Severity]Action{
	"default": {
		SeverityCritical: ActionBlock,
		SeverityHigh:     ActionRedact,
		SeverityMedium:   ActionWarn,
		SeverityLow:      ActionAllow,
	},
	"hipaa": {
		SeverityCritical: ActionBlock,
		SeverityHigh:     ActionBlock,
		SeverityMedium:   ActionRedact,
		SeverityLow:      ActionWarn,
	},
	"pci-dss": {
		SeverityCritical: ActionBlock,
		SeverityHigh:     ActionBlock,
		SeverityMedium:   ActionRedact,
		SeverityLow:      ActionAllow,
	},
	"permissive": {
		SeverityCritical: ActionRedact,
		SeverityHigh:     ActionWarn,
		SeverityMedium:   ActionAllow,
		SeverityLow:      ActionAllow,
	},
}

// ActionFor looks up the action for preset and severity, falling back to
// the "default" preset's policy for an unrecognized preset name and to
// ActionBlock for an unrecognized severity (fail closed).
func ActionFor(preset string, severity Severity) Action {
	table, ok := policyTable[preset]
	if !ok {
		table = policyTable["default"]
	}
	action, ok := table[severity]
	if !ok {
		return ActionBlock
	}
	return action
}
