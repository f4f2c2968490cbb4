/*
Package netsync implements a concurrency safe block syncing protocol. The
Syncer drives one peer session: it announces the local chain state with a
getblocks request built from a block locator, requests newly advertised blocks
with getdata, submits delivered blocks to the chain store, and reacts to
orphan blocks by requesting the missing ancestry from the peer. All session
state is mutated from a single event handling goroutine, so events arriving
concurrently from the network and from the chain store are observed in one
deterministic order.
*/
package netsync
