package submit_test

import (
	"strings"
	"testing"

	"github.com/yungbote/bisect-dispatcher/internal/submit"
)

func validRequest() submit.Request {
	return submit.Request{
		Owner:           "acme",
		Repo:            "widgets",
		GoodSHA:         "abc1234abc1234abc1234abc1234abc1234abc12",
		BadSHA:          "def4567890abcdef4567890abcdef4567890abcd",
		TestCommand:     "make test",
		InstallationRef: 42,
	}
}

func TestDefaultValidatorAcceptsWellFormedRequest(t *testing.T) {
	if err := (submit.Default{}).Validate(validRequest()); err != nil {
		t.Fatalf("expected valid request to pass, got %v", err)
	}
}

func TestDefaultValidatorRejectsNonHexSHA(t *testing.T) {
	req := validRequest()
	req.GoodSHA = "not-a-sha"
	if err := (submit.Default{}).Validate(req); err == nil {
		t.Fatalf("expected rejection of non-hex good_sha")
	}
}

func TestDefaultValidatorRejectsShortSHA(t *testing.T) {
	req := validRequest()
	req.GoodSHA = "abc1234"
	if err := (submit.Default{}).Validate(req); err == nil {
		t.Fatalf("expected rejection of short good_sha")
	}
}

func TestDefaultValidatorRejectsMissingInstallation(t *testing.T) {
	req := validRequest()
	req.InstallationRef = 0
	if err := (submit.Default{}).Validate(req); err == nil {
		t.Fatalf("expected rejection of zero installation_ref")
	}
}

func TestDefaultValidatorRejectsOversizeTestCommand(t *testing.T) {
	req := validRequest()
	req.TestCommand = strings.Repeat("a", 5000)
	if err := (submit.Default{}).Validate(req); err == nil {
		t.Fatalf("expected rejection of oversize test_command")
	}
}
