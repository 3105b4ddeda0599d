package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
)

func TestDirectoryResolveByID(t *testing.T) {
	mock, err := pgxmock.NewConn()
	if err != nil {
		t.Fatalf("failed to create pgxmock conn: %v", err)
	}
	defer mock.Close(context.Background())

	rows := pgxmock.NewRows([]string{
		"id", "voice_id", "language", "asr_model", "punctuate", "diarize",
		"vad_turnoff_ms", "system_prompt", "initial_greeting", "model_temperature", "is_active",
	}).AddRow("agent-1", "F1", "en", "nova-2", true, false, 700, "be helpful", "Hi there", 0.9, true)

	mock.ExpectQuery("SELECT id, voice_id").WithArgs("agent-1").WillReturnRows(rows)

	dir := NewDirectory(mock)
	cfg, err := dir.ResolveByID(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AgentID != "agent-1" || string(cfg.VoiceID) != "F1" || !cfg.IsActive {
		t.Errorf("unexpected config: %+v", cfg)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDirectoryResolveByNumberNotFound(t *testing.T) {
	mock, err := pgxmock.NewConn()
	if err != nil {
		t.Fatalf("failed to create pgxmock conn: %v", err)
	}
	defer mock.Close(context.Background())

	mock.ExpectQuery("SELECT a.id").WithArgs("+19995550000").WillReturnError(errors.New("no rows in result set"))

	dir := NewDirectory(mock)
	if _, err := dir.ResolveByNumber(context.Background(), "+19995550000"); err == nil {
		t.Error("expected an error for unresolved number")
	}
}
