package protocol

// Broadcast topics pushed to observer connections. Observers subscribe by
// topic name; TopicAll matches everything.
const (
	TopicDeviceConnected    = "device-connected"
	TopicDeviceDisconnected = "device-disconnected"
	TopicDeviceDataUpdate   = "device-data-update"
	TopicScreenFrame        = "screen-frame"
	TopicControlResponse    = "control-response"
	TopicActionResponse     = "action-response"
	TopicFileUploaded       = "file-uploaded"
	TopicStreamStatus       = "stream-status"
	TopicControlStatus      = "control-status"
	TopicAll                = "all"
)
