// Package dispatch runs the channel dispatch engine: it decides which
// client processes observe, approve and finally handle every channel that
// comes into existence, and arbitrates between concurrent requests for the
// same channel.
//
// The Engine is a single actor. Every state change (announcements, closed
// channels, client registration and disappearance, HandleWith/Claim,
// request Proceed/Cancel, and the completion of outbound client calls) is
// delivered as a message to its loop and applied serially. Outbound calls
// run in their own goroutines under a per-call timeout and post their
// result back to the loop; the loop itself never waits on a client.
//
// Dispatch operation lifecycle:
//
//	observing -> approving -> awaiting_handler_choice -> handling -> finished
//	    |             |                                     ^   |
//	    |             \------- bypass_approval handler -----/   |
//	    \-- bypass_approval + bypass_observers handler ---------/
//
// Observers run in parallel and must all return before approvers are
// invoked. A bypass_approval handler at the head of the ranking skips
// approval. Approvers choose with HandleWith or take the bundle with Claim.
// A handler failure (error or timeout) moves on to the next ranked handler;
// a failure on the bypass fast path falls back to approval. When no handler
// is left, the channels are destroyed and every satisfied request fails.
// A bundle that no handler can take at all is destroyed as soon as it is
// announced, before any observer runs.
//
// Error handling:
//   - Observer and approver errors are logged and otherwise ignored
//   - Handler errors drive candidate fallback
//   - Invalid calls (unknown IDs, out-of-turn HandleWith/Claim) are
//     rejected synchronously and never mutate state
package dispatch
