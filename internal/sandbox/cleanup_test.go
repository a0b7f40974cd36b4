package sandbox

import (
	"strings"
	"testing"
)

func TestContainerLabels(t *testing.T) {
	hash := codeHash("print(1)")
	labels := containerLabels("exec-1", hash)

	if labels[labelExecID] != "exec-1" {
		t.Errorf("exec id label = %q", labels[labelExecID])
	}
	if got := labels[labelCodeHash]; len(got) != 16 || !strings.HasPrefix(hash, got) {
		t.Errorf("code hash label = %q, want 16-char prefix of %q", got, hash)
	}
	// The orphan filter must select on the label every sandbox container carries.
	if !strings.Contains(orphanFilter, labelExecID) {
		t.Errorf("orphan filter %q does not reference %q", orphanFilter, labelExecID)
	}
}
