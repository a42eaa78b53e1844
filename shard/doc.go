// Package shard turns generator output into validated, immutable shards.
//
// A shard is one library's contribution to the implementor dataset. Shards
// arrive loosely typed, either as a JSON payload mapping library ids to
// descriptor arrays or as a rustdoc implementor script:
//
//	(function() {var implementors = {};
//	implementors["smallvec"] = [{"text":"impl ...","synthetic":false,"types":["smallvec::SmallVec"]}];
//	...})()
//
// ParseScript and DecodePayload produce a Payload; New validates one
// library's descriptors and converts them into Records. Validation is all or
// nothing: one bad descriptor rejects the whole shard.
//
//	payload, _ := shard.ParseScript("core::borrow::Borrow", src)
//	for _, lib := range payload.Libraries() {
//	    s, err := shard.New(lib, payload[lib])
//	    ...
//	}
//
// Fields a descriptor carries beyond the known ones are kept verbatim in
// Record.Extra and passed through to renderers untouched.
package shard
