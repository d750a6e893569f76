/*
Package dispatch implements the per-request state machine of the compile
coordinator.

Every request flows:

	NEW → PARSED → FINGERPRINTED → LOOKUP
	    LOOKUP ──hit──► SERVE
	    LOOKUP ──miss─► INFLIGHT
	        INFLIGHT ──follower──► WAIT ──leader-done──► SERVE | FAIL
	        INFLIGHT ──leader────► BUILD
	            BUILD ──local-ok───► STORE → SERVE
	            BUILD ──local-err──► REMOTE
	            BUILD ──remote-ok──► STORE → SERVE
	            BUILD ──remote-err─► FAIL
	    SERVE → DONE
	    FAIL  → DONE

Non-compile classifications and requests without a preprocessed source
bypass fingerprint, store and inflight, and execute directly.

Routing prefers remote dispatch when the local worker queue is at or above
the configured high-watermark and the remote pool is healthy (the circuit
breaker in internal/circuit tracks its error rate). Whichever leg runs
first, the other serves as a one-shot fallback; a second failure is fatal
to the request.

Build verdicts are never cached when the compiler fails; store commit
failures degrade to serving the artifact uncached; a digest mismatch on
read-back deletes the entry and re-runs the build once.
*/
package dispatch
