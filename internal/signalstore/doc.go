// Package signalstore defines the durable key-value contract through which
// every waved component and every worker process coordinates. There is no
// shared memory across processes; presence or absence of a key in the store
// is the only communication channel.
//
// The reference implementation is FileStore, which maps keys to files in a
// directory and achieves atomic replace by writing to a temporary path and
// renaming over the target. Any implementation with the same atomicity
// contract (readers never observe a partial write) is substitutable.
package signalstore
