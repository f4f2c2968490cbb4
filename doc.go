/*
Pulsd is a block synchronization daemon: it connects to a single peer on the
bitcoin wire protocol and keeps a local chain store up to date with the blocks
that peer announces.

Usage:

	pulsd [OPTIONS]

The --connect option names the peer to synchronize from and is required. For
an up-to-date help message:

	pulsd --help

Pulsd stores its chain data and logs under a directory determined by the
--datadir and --logdir options, separated per network.
*/
package main
