// *Intesa* is a replicated-state engine for real-time multiplayer games: a
// single *authority* and any number of remote *participants* keep a shared
// `World` of entities identical, using optimistic execution and
// reconciliation instead of a consensus protocol.
//
// ## How it works
//
// Every state change is an `Operation`. A `Participant` builds one, stages
// the entities it spawns or retires, and `Submit`s it. The operation is
// validated and applied to the local world *immediately* — no round trip,
// the player keeps playing — and, on a remote participant, shipped to the
// authority. The authority validates it against the *authoritative* world
// and returns one of three verdicts:
//
//   - **accepted**: the optimistic execution already matches, there is
//     nothing to do;
//   - **soft-correct**: the effect is admitted, but every participant must
//     converge on the authority's detail through a correction payload;
//   - **hard-reject**: the operation never happened. Its origin rolls it
//     back, nobody else ever applies it.
//
// Convergence rests on mechanics, not on coordination:
//
//   - entity identifiers are minted from disjoint congruence classes (one
//     `Partition` per seat), so two participants can never mint the same id
//     and every endpoint applies an operation with the *same* ids;
//   - each participant reconciles verdicts strictly in submission order, so
//     a correction is never applied out of order relative to the operations
//     submitted before it;
//   - all mutation goes through one scoped gate owned by the `World`, so
//     "who may mutate right now" is a single auditable invariant.
//
// A `Game` drives one endpoint of a session: `NewLocalGame` for a sandbox
// with no wire at all, `NewServerGame` for the authority, `NewClientGame`
// for a remote participant. Sessions run over QUIC (`Transport`), peers on
// the same LAN find each other through `pkg/lobby`, and `pkg/quickstart`
// turns a game into a runnable command with serve/join/sandbox modes.
//
// ## Design Principles
//
// > `intesa` is **responsive**, **authoritative**, and **deterministic**.
//
// ### Responsive
//
// A participant MUST NOT wait for the network to see its own actions: the
// round trip is hidden behind optimistic execution and a send cache, and
// "waiting for the server" is *state*, never a blocked call. The price is
// honesty about being wrong: anything that can plausibly be rejected MUST
// know how to undo itself.
//
// ### Authoritative
//
// There is exactly one authority and its decisions are final. No quorums,
// no vector clocks, no Byzantine anything: a `Validate` predicate that runs
// identically on both sides is what keeps participants honest, which is the
// right amount of distrust for a game between friends.
//
// ### Deterministic
//
// The engine performs no internal threading: one tick drains the channels,
// reconciles, and updates, in a fixed order, on one goroutine. Fan-out
// order is stable, ids are fixed at send time, and the same inputs yield
// the same world everywhere. Replication bugs are hard enough to chase
// without a scheduler shuffling the deck.
//
// Dependencies are kept deliberately small, I can enumerate them:
//
//   - [`quic-go/quic-go`][dep-quic], one ordered reliable stream per session;
//   - [`hashicorp/go-msgpack`][dep-msgp], the wire codec;
//   - [`hashicorp/memberlist`][dep-mbl], the UDP gossip behind `pkg/lobby`;
//   - [`hashicorp/go-metrics`][dep-met], telemetry you can route anywhere;
//   - [`spf13/cobra`][dep-cob], the `pkg/quickstart` command line.
//
// [dep-quic]: https://pkg.go.dev/github.com/quic-go/quic-go
// [dep-msgp]: https://pkg.go.dev/github.com/hashicorp/go-msgpack/v2
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
// [dep-met]: https://pkg.go.dev/github.com/hashicorp/go-metrics
// [dep-cob]: https://pkg.go.dev/github.com/spf13/cobra
package intesa
