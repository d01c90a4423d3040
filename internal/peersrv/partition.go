// Package peersrv implements the peer side of the network: the listening
// endpoint every connected client runs to serve whole files (GET_FILE) and
// deterministic byte ranges of them (GET_MULTIFILE) to other peers.
package peersrv

// Partition returns the byte range seeder id serves out of total seeders for
// a file of size bytes.
//
// Every seeder gets size/total bytes; the last one absorbs the remainder, so
// the union of all ranges covers [0, size) exactly once for any total >= 1.
func Partition(size int64, id, total int) (offset, length int64) {
	part := size / int64(total)
	offset = int64(id) * part

	if id == total-1 {
		return offset, size - offset
	}
	return offset, part
}
