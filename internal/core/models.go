package core

import "time"

type NotificationType string

const (
	NotifyStartAgent NotificationType = "start_agent"
	NotifyStopAgent  NotificationType = "stop_agent"
)

// VoiceConfig carries speech-synthesis parameters for a persona.
type VoiceConfig struct {
	VoiceID      string  `json:"voice_id,omitempty" yaml:"voice_id"`
	Stability    float64 `json:"stability,omitempty" yaml:"stability"`
	Clarity      float64 `json:"clarity,omitempty" yaml:"clarity"`
	Style        float64 `json:"style,omitempty" yaml:"style"`
	ModelID      string  `json:"model_id,omitempty" yaml:"model_id"`
	SpeakerBoost bool    `json:"speaker_boost,omitempty" yaml:"speaker_boost"`
}

// Personality describes how a coach talks.
type Personality struct {
	CommunicationStyle string `json:"communication_style,omitempty" yaml:"communication_style"`
	ApproachMethod     string `json:"approach_method,omitempty" yaml:"approach_method"`
	ResponseLength     string `json:"response_length,omitempty" yaml:"response_length"`
	QuestioningStyle   string `json:"questioning_style,omitempty" yaml:"questioning_style"`
	Empathy            int    `json:"empathy,omitempty" yaml:"empathy"`
	Directness         int    `json:"directness,omitempty" yaml:"directness"`
}

// Persona is the coach data an agent needs to run a session.
type Persona struct {
	CoachID      string      `json:"coach_id" yaml:"id"`
	Name         string      `json:"name" yaml:"name"`
	Domain       string      `json:"domain" yaml:"domain"`
	Personality  Personality `json:"personality" yaml:"personality"`
	Voice        VoiceConfig `json:"voice_config" yaml:"voice"`
	SystemPrompt string      `json:"system_prompt,omitempty" yaml:"system_prompt"`
}

// Notification is the bus payload sent from the registrar to every worker.
type Notification struct {
	Type            NotificationType `json:"type"`
	SessionID       string           `json:"session_id"`
	CoachID         string           `json:"coach_id,omitempty"`
	UserID          string           `json:"user_id,omitempty"`
	RoomID          string           `json:"room_id,omitempty"`
	RoomURL         string           `json:"room_url,omitempty"`
	CoachPersona    Persona          `json:"coach_persona"`
	AgentCredential string           `json:"agent_credential,omitempty"`
	CorrelationID   string           `json:"correlation_id"`
	SentAt          time.Time        `json:"sent_at"`
}

// Session is the shared record of one coaching conversation.
type Session struct {
	ID        string        `json:"id"`
	CoachID   string        `json:"coach_id"`
	UserID    string        `json:"user_id"`
	RoomID    string        `json:"room_id"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// AgentStatus is the ownership record of a session's agent. Only a
// create-if-absent write may bring it into existence.
type AgentStatus struct {
	SessionID      string     `json:"session_id"`
	WorkerID       string     `json:"worker_id"`
	State          AgentState `json:"state"`
	ConnectedAt    time.Time  `json:"connected_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary is written once per session when it ends.
type Summary struct {
	SessionID       string    `json:"session_id"`
	TotalTurns      int       `json:"total_turns"`
	UserTurns       int       `json:"user_turns"`
	AssistantTurns  int       `json:"assistant_turns"`
	DurationSeconds int64     `json:"duration_seconds"`
	Topics          []string  `json:"topics"`
	Insights        []string  `json:"insights"`
	EndedBy         string    `json:"ended_by"`
	CreatedAt       time.Time `json:"created_at"`
}

// PendingClaim tracks a published session that no worker has claimed yet.
type PendingClaim struct {
	SessionID    string       `json:"session_id"`
	Deadline     time.Time    `json:"deadline"`
	Attempts     int          `json:"attempts"`
	Notification Notification `json:"notification"`
}

// LastTurns returns at most n trailing turns.
func LastTurns(turns []Turn, n int) []Turn {
	if n <= 0 {
		return nil
	}
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}
