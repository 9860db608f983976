// Package protocol defines the JSON frames exchanged with the speech backend
// and the chat-history stream.
//
// Outbound frames are plain structs marshalled with encoding/json. Inbound
// frames are decoded by [Parse] into one of a closed set of [Event] types;
// callers switch on the concrete type. Parsing never mutates state, so the
// session layer can consume events without knowing the wire format.
//
// Binary frames (audio) carry no envelope and are not handled here.
package protocol
