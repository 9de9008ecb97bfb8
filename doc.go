// # Go Client Package for Realtime Voice and Video Sessions
//
// This package connects a client device to a hosted conversational-AI backend over a WebRTC peer
// connection. A [Client] turns session parameters (model, voice, temperature, instructions,
// modalities) into a live peer connection: it fetches an ephemeral token and ICE servers,
// negotiates SDP with the backend, attaches and detaches local microphone and camera tracks while
// connected, decodes the event stream on the signaling data channel into [ConversationItem]s, and
// tears everything down on failure or on [Client.EndSession].
//
// A [Client] runs at most one session at a time. Configuration lives in a [ConfigStore]; the
// package-level [Init] and [GetConfig] operate on a default store.
package realtime
