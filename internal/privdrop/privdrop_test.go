package privdrop

import "testing"

func TestDrop_UnknownUser(t *testing.T) {
	if err := Drop("no-such-user-ss-local-test"); err == nil {
		t.Error("Drop() with a nonexistent user should return an error")
	}
}
