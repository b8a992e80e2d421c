// # Realtime voice console
//
// Package realtime drives one OpenAI Realtime voice session over WebRTC: it fetches an ephemeral credential from
// the relay (see the relay package), negotiates a peer connection that carries microphone audio out and model audio
// back, and exchanges JSON events over the "oai-events" data channel while keeping a most-recent-first event log
// for a presentation layer to render.
package realtime
