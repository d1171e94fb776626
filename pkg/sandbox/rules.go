package sandbox

// Rule is a named behavioral pattern over the metrics of one run.
type Rule struct {
	ID          string
	Name        string
	Description string
	Severity    string
	MitreTactic string
	MitreID     string
	Condition   func(m *Metrics) bool
}

// RuleSet evaluates metrics against behavioral pattern rules.
type RuleSet struct {
	rules []*Rule
}

// NewRuleSet creates a rule set with the default patterns.
func NewRuleSet() *RuleSet {
	return &RuleSet{rules: defaultRules()}
}

// Evaluate returns the names of the rules the metrics trigger, in rule order.
func (rs *RuleSet) Evaluate(m *Metrics) []string {
	var names []string
	for _, r := range rs.rules {
		if r.Condition(m) {
			names = append(names, r.Name)
		}
	}
	return names
}

// Rules returns the loaded rules (read-only).
func (rs *RuleSet) Rules() []*Rule {
	return rs.rules
}

func defaultRules() []*Rule {
	return []*Rule{
		{
			ID:          "SENT-001",
			Name:        "Ransomware",
			Description: "Heavy file churn combined with drops, temp staging, deletes or network activity",
			Severity:    "CRITICAL",
			MitreTactic: "Impact",
			MitreID:     "T1486",
			Condition: func(m *Metrics) bool {
				if m.FileOperations <= 50 {
					return false
				}
				massDelete := m.FileDeletes > 10 && m.FileDeletes*4 > m.FileOperations
				return m.FileOperations > 100 || m.ExecutableDrops > 0 || m.TempFileCreates > 5 ||
					m.OutboundConnections > 0 || massDelete
			},
		},
		{
			ID:          "SENT-002",
			Name:        "Keylogger",
			Description: "Moderate file logging with hiding, exfiltration or persistence",
			Severity:    "HIGH",
			MitreTactic: "Collection",
			MitreID:     "T1056.001",
			Condition: func(m *Metrics) bool {
				signals := 0
				if m.FileOperations > 10 && m.FileOperations < 100 {
					signals++
				}
				if m.HiddenFileCreates > 0 {
					signals++
				}
				if m.OutboundConnections > 0 && m.NetworkOperations > 5 {
					signals++
				}
				if m.PersistenceMechanisms > 0 {
					signals++
				}
				return signals >= 2
			},
		},
		{
			ID:          "SENT-003",
			Name:        "Rootkit",
			Description: "Privilege escalation, service tampering or injection alongside system changes",
			Severity:    "CRITICAL",
			MitreTactic: "Defense Evasion",
			MitreID:     "T1014",
			Condition: func(m *Metrics) bool {
				return m.PrivilegeEscalationAttempts > 0 ||
					(m.FileOperations > 20 && m.ProcessOperations > 3) ||
					(m.MemoryOperations > 10 && m.CodeInjectionAttempts > 0) ||
					m.ServiceModifications > 0
			},
		},
		{
			ID:          "SENT-004",
			Name:        "Cryptominer",
			Description: "Sustained outbound networking with heavy memory or process use",
			Severity:    "HIGH",
			MitreTactic: "Impact",
			MitreID:     "T1496",
			Condition: func(m *Metrics) bool {
				network := m.NetworkOperations > 10 && m.OutboundConnections > 5
				compute := m.MemoryOperations > 20 || m.ProcessOperations > 5 || m.PersistenceMechanisms > 0
				return network && compute
			},
		},
		{
			ID:          "SENT-005",
			Name:        "Process Injector",
			Description: "Cross-process memory access or self-modifying code",
			Severity:    "CRITICAL",
			MitreTactic: "Defense Evasion",
			MitreID:     "T1055",
			Condition: func(m *Metrics) bool {
				return m.CodeInjectionAttempts > 0 ||
					(m.MemoryOperations > 10 && m.ProcessOperations > 3) ||
					(m.SelfModificationAttempts > 0 && m.ProcessOperations > 0)
			},
		},
		{
			ID:          "SENT-006",
			Name:        "Persistence",
			Description: "Writes to autostart, scheduler or account files",
			Severity:    "HIGH",
			MitreTactic: "Persistence",
			MitreID:     "T1543",
			Condition: func(m *Metrics) bool {
				return m.PersistenceMechanisms > 0
			},
		},
	}
}
