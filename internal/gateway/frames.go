package gateway

import (
	"encoding/json"
	"fmt"
)

// Frame types sent by devices.
const (
	FrameRegister         = "register"
	FrameText             = "text"
	FrameVoiceStart       = "voice_start"
	FrameVoiceChunk       = "voice_chunk"
	FrameVoiceEnd         = "voice_end"
	FrameWakewordDetected = "wakeword_detected"
	FrameHeartbeat        = "heartbeat"
	FrameNotificationAck  = "notification_ack"
	FrameCancel           = "cancel"
)

// Frame types sent to devices.
const (
	FrameRegisterAck     = "register_ack"
	FrameState           = "state"
	FrameTranscription   = "transcription"
	FrameRAGContext      = "rag_context"
	FrameAction          = "action"
	FrameAgentThinking   = "agent_thinking"
	FrameAgentToolCall   = "agent_tool_call"
	FrameAgentToolResult = "agent_tool_result"
	FrameStream          = "stream"
	FrameResponseText    = "response_text"
	FrameTTSAudio        = "tts_audio"
	FrameDone            = "done"
	FrameSessionEnd      = "session_end"
	FrameError           = "error"
	FrameHeartbeatAck    = "heartbeat_ack"
	FrameConfigUpdate    = "config_update"
	FrameNotification    = "notification"
)

// Capabilities describes what a device can do. Display dimensions are
// optional and only matter for audio-output tie-breaking.
type Capabilities struct {
	HasMicrophone bool `json:"has_microphone"`
	HasSpeaker    bool `json:"has_speaker"`
	HasWakeword   bool `json:"has_wakeword"`
	HasDisplay    bool `json:"has_display"`
	DisplayWidth  int  `json:"display_width,omitempty"`
	DisplayHeight int  `json:"display_height,omitempty"`
}

// DeviceConfig is pushed to devices via config_update.
type DeviceConfig struct {
	WakeWords []string `json:"wake_words,omitempty"`
	Threshold float64  `json:"threshold,omitempty"`
}

// Frame is one JSON message on the device socket, in either direction. A
// single flat struct carries every frame type; Type selects which fields are
// meaningful and omitempty keeps the wire form minimal.
type Frame struct {
	Type string `json:"type"`

	// register / register_ack
	DeviceID     string        `json:"device_id,omitempty"`
	DeviceType   string        `json:"device_type,omitempty"`
	Room         string        `json:"room,omitempty"`
	RoomID       string        `json:"room_id,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	IsStationary bool          `json:"is_stationary,omitempty"`
	Success      bool          `json:"success,omitempty"`

	// text / stream / agent_thinking
	Content   string `json:"content,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// text options
	UseRAG          bool     `json:"use_rag,omitempty"`
	KnowledgeBaseID string   `json:"knowledge_base_id,omitempty"`
	AttachmentIDs   []string `json:"attachment_ids,omitempty"`

	// voice_chunk
	Sequence int    `json:"sequence,omitempty"`
	Chunk    string `json:"chunk,omitempty"`

	// wakeword_detected
	Keyword    string  `json:"keyword,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// heartbeat / state
	Status string `json:"status,omitempty"`
	State  string `json:"state,omitempty"`

	// notification / notification_ack
	NotificationID string `json:"notification_id,omitempty"`
	Action         string `json:"action,omitempty"`
	Title          string `json:"title,omitempty"`

	// transcription / response_text
	Text string `json:"text,omitempty"`

	// rag_context
	HasContext bool     `json:"has_context,omitempty"`
	Sources    []string `json:"sources,omitempty"`

	// action / done
	Intent string `json:"intent,omitempty"`
	Result any    `json:"result,omitempty"`

	// agent_tool_call / agent_tool_result
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`

	// tts_audio
	Audio   string `json:"audio,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`

	// done
	TTSHandled bool `json:"tts_handled,omitempty"`

	// session_end
	Reason string `json:"reason,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// config_update
	Config *DeviceConfig `json:"config,omitempty"`
}

// ParseFrame decodes one inbound frame and checks its required fields.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("gateway: malformed frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("gateway: frame missing type")
	}
	if err := f.validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// validate enforces the per-type required fields for device-originated
// frames. Server-originated types pass through untouched.
func (f Frame) validate() error {
	missing := func(field string) error {
		return fmt.Errorf("gateway: %s frame missing %s", f.Type, field)
	}
	switch f.Type {
	case FrameRegister:
		if f.DeviceID == "" {
			return missing("device_id")
		}
		if f.DeviceType == "" {
			return missing("device_type")
		}
		if f.Capabilities == nil {
			return missing("capabilities")
		}
	case FrameText:
		if f.Content == "" {
			return missing("content")
		}
		if f.SessionID == "" {
			return missing("session_id")
		}
	case FrameVoiceStart, FrameVoiceEnd, FrameCancel:
		if f.SessionID == "" {
			return missing("session_id")
		}
	case FrameVoiceChunk:
		if f.SessionID == "" {
			return missing("session_id")
		}
		if f.Chunk == "" {
			return missing("chunk")
		}
	case FrameWakewordDetected:
		if f.Keyword == "" {
			return missing("keyword")
		}
	case FrameHeartbeat:
		switch f.Status {
		case "idle", "listening", "processing", "speaking", "error":
		default:
			return fmt.Errorf("gateway: heartbeat frame has invalid status %q", f.Status)
		}
	case FrameNotificationAck:
		if f.NotificationID == "" {
			return missing("notification_id")
		}
		if f.Action != "acknowledged" && f.Action != "dismissed" {
			return fmt.Errorf("gateway: notification_ack frame has invalid action %q", f.Action)
		}
	}
	return nil
}

// Encode serializes the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode frame: %w", err)
	}
	return data, nil
}
