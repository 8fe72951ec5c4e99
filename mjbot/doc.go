// Package mjbot implements a Discord game-master bot ("maître de jeu")
// that answers player messages with OpenAI chat completions and persists
// each conversation turn in a PocketBase backend.
//
// Per inbound guild message, the bot resolves the author to a Player
// record (creating one on first contact), loads the player's recent
// turns, assembles a prompt from the fixed game-master instructions plus
// that history, replies in-channel with the completion, and stores the
// new user/assistant turn pair.
//
// Key components:
//
//   - MJBot: the main struct wiring everything together, and the
//     per-message pipeline with its single error boundary.
//   - Discord: the gateway connection and the slice of the discord API
//     the bot uses.
//   - PocketBase: the persistence client owning the admin token, player
//     directory and turn memory store.
//   - OpenAI: the completion gateway.
//
// Failures mid-pipeline are not retried: the error is logged, the player
// gets a fixed apology, and the message is dropped. A local SQLite
// message log records every handled message and its outcome.
package mjbot
