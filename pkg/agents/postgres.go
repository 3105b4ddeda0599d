// Package agents resolves AgentConfig rows from Postgres's "ai_agents" and
// "phone_numbers" tables (original_source/src/supabase_client.py's
// ai_agents/phone_numbers tables), implementing orchestrator.AgentDirectory.
package agents

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// DBTX is the minimal interface satisfied by *pgxpool.Pool and *pgx.Conn.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Directory struct {
	db DBTX
}

func NewDirectory(db DBTX) *Directory {
	return &Directory{db: db}
}

func (d *Directory) ResolveByNumber(ctx context.Context, toNumber string) (orchestrator.AgentConfig, error) {
	const query = `
		SELECT a.id, a.voice_id, a.language, a.asr_model, a.punctuate, a.diarize,
		       a.vad_turnoff_ms, a.system_prompt, a.initial_greeting, a.model_temperature, a.is_active
		FROM phone_numbers p
		JOIN ai_agents a ON a.id = p.ai_agent_id
		WHERE p.number = $1`
	return d.scanAgent(ctx, query, toNumber)
}

func (d *Directory) ResolveByID(ctx context.Context, agentID string) (orchestrator.AgentConfig, error) {
	const query = `
		SELECT id, voice_id, language, asr_model, punctuate, diarize,
		       vad_turnoff_ms, system_prompt, initial_greeting, model_temperature, is_active
		FROM ai_agents
		WHERE id = $1`
	return d.scanAgent(ctx, query, agentID)
}

func (d *Directory) scanAgent(ctx context.Context, query string, arg string) (orchestrator.AgentConfig, error) {
	row := d.db.QueryRow(ctx, query, arg)

	var cfg orchestrator.AgentConfig
	var voiceID, language string
	err := row.Scan(
		&cfg.AgentID, &voiceID, &language, &cfg.ASRModel, &cfg.Punctuate, &cfg.Diarize,
		&cfg.VADTurnoffMS, &cfg.SystemPrompt, &cfg.InitialGreeting, &cfg.ModelTemperature, &cfg.IsActive,
	)
	if err != nil {
		return orchestrator.AgentConfig{}, fmt.Errorf("agents: lookup failed: %w", err)
	}
	cfg.VoiceID = orchestrator.Voice(voiceID)
	cfg.Language = orchestrator.Language(language)
	return cfg, nil
}

// EnsureSchema creates the ai_agents/phone_numbers tables if absent, for
// local development; production schema changes go through migrations.
func (d *Directory) EnsureSchema(ctx context.Context) error {
	const agentsTable = `
		CREATE TABLE IF NOT EXISTS ai_agents (
			id TEXT PRIMARY KEY,
			voice_id TEXT NOT NULL DEFAULT 'F1',
			language TEXT NOT NULL DEFAULT 'en',
			asr_model TEXT NOT NULL DEFAULT 'nova-2',
			punctuate BOOLEAN NOT NULL DEFAULT TRUE,
			diarize BOOLEAN NOT NULL DEFAULT FALSE,
			vad_turnoff_ms INT NOT NULL DEFAULT 700,
			system_prompt TEXT NOT NULL DEFAULT '',
			initial_greeting TEXT NOT NULL DEFAULT '',
			model_temperature DOUBLE PRECISION NOT NULL DEFAULT 0.9,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`
	const numbersTable = `
		CREATE TABLE IF NOT EXISTS phone_numbers (
			number TEXT PRIMARY KEY,
			ai_agent_id TEXT NOT NULL REFERENCES ai_agents(id)
		)`
	if _, err := d.db.Exec(ctx, agentsTable); err != nil {
		return fmt.Errorf("agents: failed to create ai_agents table: %w", err)
	}
	if _, err := d.db.Exec(ctx, numbersTable); err != nil {
		return fmt.Errorf("agents: failed to create phone_numbers table: %w", err)
	}
	return nil
}
