/*
Package engine assembles the beacon sync pipeline and owns its lifecycle.

Data flows one way through the components:

	domain code → capture (anonymized) → storage
	storage → batcher → queue → scheduler → controller → delivery → remote

Responses flow back through the controller to update event and batch
status. The capture path and the sync path share only the store, so
recording an event never blocks on network state.
*/
package engine
