// Package recorder holds the state the background coordinator owns: which
// tabs are recording, which tabs have a step to resume after navigation, the
// per-tab capture records, and the snapshot index.
//
// Persisted layout in the keyed store:
//
//	<RecordPrefix><tabId>   capture record of a tab while recording
//	SNAPSHOT_NAME_LIST      {"all": ["snapshot-1", ...]}
//	snapshot-<n>            one immutable snapshot
//
// Every component here is safe for concurrent use. Read-modify-write cycles
// go through kvstore.Store.Update so interleaved handlers never lose writes.
package recorder
