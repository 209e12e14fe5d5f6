package password

import "testing"

func TestHashVerify_RoundTrip(t *testing.T) {
	t.Parallel()
	phc, err := Hash(Default, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Hash err: %v", err)
	}
	if !Verify("correct horse battery staple", phc) {
		t.Fatalf("Verify rejected the original password")
	}
	if Verify("wrong password", phc) {
		t.Fatalf("Verify accepted a wrong password")
	}
}

func TestHash_SaltedPerCall(t *testing.T) {
	t.Parallel()
	a, _ := Hash(Default, "same")
	b, _ := Hash(Default, "same")
	if a == b {
		t.Fatalf("two hashes of the same password are identical (salt reuse)")
	}
}

func TestVerify_MalformedPHC(t *testing.T) {
	t.Parallel()
	for _, phc := range []string{"", "$argon2id$garbage", "$bcrypt$v=19$m=1,t=1,p=1$a$b", "plain"} {
		if Verify("x", phc) {
			t.Fatalf("Verify accepted malformed hash %q", phc)
		}
	}
}

func TestVerifyDummy_DoesNotPanic(t *testing.T) {
	t.Parallel()
	VerifyDummy("anything at all")
}

func TestHash_EmptyPassword(t *testing.T) {
	t.Parallel()
	if _, err := Hash(Default, ""); err == nil {
		t.Fatalf("expected error for empty password")
	}
}
