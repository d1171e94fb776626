package sandbox

import (
	"reflect"
	"testing"
)

func TestRuleSet_Evaluate(t *testing.T) {
	rs := NewRuleSet()
	tests := []struct {
		name string
		m    Metrics
		want []string
	}{
		{"idle", Metrics{}, nil},
		{"mass file churn", Metrics{FileOperations: 120}, []string{"Ransomware"}},
		{"churn with exfil", Metrics{FileOperations: 60, OutboundConnections: 1}, []string{"Ransomware"}},
		{"churn with mass delete", Metrics{FileOperations: 60, FileDeletes: 20}, []string{"Ransomware"}},
		{"moderate churn alone", Metrics{FileOperations: 60}, nil},
		{"keylogger", Metrics{FileOperations: 50, HiddenFileCreates: 1}, []string{"Keylogger"}},
		{"hidden file alone", Metrics{HiddenFileCreates: 1}, nil},
		{"privilege escalation", Metrics{PrivilegeEscalationAttempts: 1}, []string{"Rootkit"}},
		{
			"cryptominer",
			Metrics{NetworkOperations: 20, OutboundConnections: 6, MemoryOperations: 30},
			[]string{"Cryptominer"},
		},
		{"injector", Metrics{CodeInjectionAttempts: 1}, []string{"Process Injector"}},
		{"persistence", Metrics{PersistenceMechanisms: 1}, []string{"Persistence"}},
		{
			"injection with memory work also looks like a rootkit",
			Metrics{CodeInjectionAttempts: 1, MemoryOperations: 11},
			[]string{"Rootkit", "Process Injector"},
		},
	}
	for _, tt := range tests {
		m := tt.m
		if got := rs.Evaluate(&m); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: Evaluate = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestRuleSet_RulesHaveMetadata(t *testing.T) {
	seen := map[string]bool{}
	for _, r := range NewRuleSet().Rules() {
		if r.ID == "" || r.Name == "" || r.Severity == "" || r.MitreID == "" || r.Condition == nil {
			t.Errorf("rule %+v is missing metadata", r)
		}
		if seen[r.ID] {
			t.Errorf("duplicate rule id %s", r.ID)
		}
		seen[r.ID] = true
	}
}
