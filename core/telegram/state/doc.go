// Package state keeps at most one pending action per chat and routes the
// next text message of that chat to the step that requested it.
//
// A step validates the raw text, then applies it. Apply either finishes the
// flow (usually after persisting a config record) or hands over to the next
// step of a multi-step chain with its captured fields.
package state
