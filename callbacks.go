package realtime

// Callbacks are optional hooks invoked by a Client. They run on the goroutine
// that produced the event, never while the client holds its lock, so they may
// call back into the client.
type Callbacks struct {
	OnSessionStart            func(conversationID string)
	OnSessionEnd              func()
	OnSessionConnected        func()
	OnError                   func(err error)
	OnConnectionStateChange   func(state ConnectionState)
	OnConversationItemCreated func(item ConversationItem)
	OnSessionCreated          func(event *InboundEvent)
	OnConversationCreated     func(event *InboundEvent)
	OnSessionUpdated          func(event *InboundEvent)
	// OnRemoteTrack receives the backend's audio tracks. Remote video is ignored.
	OnRemoteTrack func(track RemoteTrack)
}

// merge returns c with every hook set in o replacing c's.
func (c Callbacks) merge(o *Callbacks) Callbacks {
	if o == nil {
		return c
	}
	if o.OnSessionStart != nil {
		c.OnSessionStart = o.OnSessionStart
	}
	if o.OnSessionEnd != nil {
		c.OnSessionEnd = o.OnSessionEnd
	}
	if o.OnSessionConnected != nil {
		c.OnSessionConnected = o.OnSessionConnected
	}
	if o.OnError != nil {
		c.OnError = o.OnError
	}
	if o.OnConnectionStateChange != nil {
		c.OnConnectionStateChange = o.OnConnectionStateChange
	}
	if o.OnConversationItemCreated != nil {
		c.OnConversationItemCreated = o.OnConversationItemCreated
	}
	if o.OnSessionCreated != nil {
		c.OnSessionCreated = o.OnSessionCreated
	}
	if o.OnConversationCreated != nil {
		c.OnConversationCreated = o.OnConversationCreated
	}
	if o.OnSessionUpdated != nil {
		c.OnSessionUpdated = o.OnSessionUpdated
	}
	if o.OnRemoteTrack != nil {
		c.OnRemoteTrack = o.OnRemoteTrack
	}
	return c
}
