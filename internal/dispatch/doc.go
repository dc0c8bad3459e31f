// Package dispatch routes parsed north-bound requests to the handlers a
// transport registers and sends south-bound measures to the context broker.
//
// Flow of an update:
//
//	adapter.ParseUpdate
//	    │
//	    ▼
//	Dispatcher.Update ── per entity, in request order
//	    │  resolve device (name, type) + merge with its group
//	    │  ngsi.Split → plain attributes / commands
//	    ├─ plain ──► update middlewares ──► UpdateHandler
//	    └─ commands ─┬─ polling device ──► command.Manager (queued)
//	                 └─ otherwise ──────► CommandHandler
//	                       │
//	                       ▼
//	               <command>_status = PENDING ──► SendUpdate ──► broker
//
// Queries run one goroutine per entity and keep request order. Without a
// query handler the dispatcher answers from the device definition.
//
// Thread Safety:
//   - Context setters may be called while requests are in flight; each
//     request works on a snapshot of the handler slots.
package dispatch
