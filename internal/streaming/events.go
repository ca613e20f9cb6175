package streaming

// Viewer-bound events.
const (
	EventStreamRequested     = "stream_requested"
	EventStreamJoined        = "stream_joined"
	EventStreamStarted       = "stream_started"
	EventListenerCountUpdate = "listener_count_update"
	EventAudioData           = "audio_data"
	EventStreamError         = "stream_error"
)

// Viewer-sent events.
const (
	EventRequestLiveStream = "request_live_stream"
	EventLeaveStream       = "leave_stream"
)

// Producer-bound events.
const (
	EventSendHeader = "send_header"
	EventStreamStop = "stream_stop"
)

// Producer-sent events.
const (
	EventStreamReady = "stream_ready"
	EventAudioChunk  = "audio_chunk"
)
