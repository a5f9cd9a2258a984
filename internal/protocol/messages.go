package protocol

import "time"

// TTSRequest asks for text to be spoken in an enrolled voice.
type TTSRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
	Target    string `json:"target,omitempty"`
	ChunkSize int    `json:"chunk_size,omitempty"`
}

// AudioChunk carries 16-bit little endian PCM produced for a TTSRequest.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target,omitempty"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TTSStatus closes a TTSRequest. Error is set when no audio was produced.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EnrollRequest registers a voice from a reference clip.
type EnrollRequest struct {
	Name       string `json:"name"`
	ModelPath  string `json:"model_path"`
	RefText    string `json:"ref_text"`
	SampleRate int    `json:"sample_rate"`
	PCM        []byte `json:"pcm"`
}

type EnrollReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

type RemoveRequest struct {
	Name string `json:"name"`
}

type RemoveReply struct {
	Removed bool `json:"removed"`
}

type SpeakersReply struct {
	Speakers []string `json:"speakers"`
}

const (
	SubjectTTSRequest    = "tts.request"
	SubjectTTSAudio      = "tts.audio"
	SubjectTTSDone       = "tts.done"
	SubjectVoiceEnroll   = "voice.enroll"
	SubjectVoiceRemove   = "voice.remove"
	SubjectVoiceSpeakers = "voice.speakers"
)

const (
	SubjectNodeAnnounce  = "ctrl.node.announce"
	SubjectNodeHeartbeat = "ctrl.node.heartbeat"
)
