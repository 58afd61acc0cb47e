package agentctx

import (
	"testing"

	"github.com/haasonsaas/tandem/pkg/models"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		chars int
		want  int
	}{
		{0, 0},
		{1, 1},
		{4, 1},
		{5, 2},
		{4000, 1000},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.chars); got != tt.want {
			t.Errorf("EstimateTokens(%d) = %d, want %d", tt.chars, got, tt.want)
		}
	}
}

func TestEstimateMessagesTokens(t *testing.T) {
	msgs := []*models.Message{
		textMsg(models.RoleUser, "12345678"),  // 2 tokens
		textMsg(models.RoleAssistant, "1234"), // 1 token
	}
	if got := EstimateMessagesTokens(msgs); got != 3 {
		t.Errorf("EstimateMessagesTokens() = %d, want 3", got)
	}
}

func TestWindowGuard(t *testing.T) {
	guard := NewWindowGuard(nil)

	if err := guard.Check(7_999); err == nil {
		t.Error("Check(7999) = nil, want ErrContextWindowTooSmall")
	}
	if err := guard.Check(8_000); err != nil {
		t.Errorf("Check(8000) = %v, want nil", err)
	}
	if err := guard.Check(200_000); err != nil {
		t.Errorf("Check(200000) = %v, want nil", err)
	}
}
