package cas

import (
	"fmt"
	"strconv"
	"strings"
)

// Key layout:
//
//	blk/<chunk digest>        chunk bytes, written once
//	idx/<cid>/<index>         chunk digest for (cid, index); written with the manifest
//	obj/<cid>                 complete manifest, written last
//	part/<cid>                manifest of an object still being replicated in
//	have/<cid>/<index>        verified chunk present for a partial object
//	name/<name>               catalog name -> cid
//	ref/<chunk digest>        some manifest (complete or partial) uses the block
const (
	prefixBlock   = "blk/"
	prefixIndex   = "idx/"
	prefixObject  = "obj/"
	prefixPartial = "part/"
	prefixHave    = "have/"
	prefixName    = "name/"
	prefixRef     = "ref/"
)

func blockKey(digest string) []byte { return []byte(prefixBlock + digest) }

func indexKey(cid string, index int) []byte {
	return []byte(fmt.Sprintf("%s%s/%08d", prefixIndex, cid, index))
}

func objectKey(cid string) []byte { return []byte(prefixObject + cid) }
func partialKey(cid string) []byte { return []byte(prefixPartial + cid) }
func nameKey(name string) []byte   { return []byte(prefixName + name) }
func refKey(digest string) []byte  { return []byte(prefixRef + digest) }

func haveKey(cid string, index int) []byte {
	return []byte(fmt.Sprintf("%s%s/%08d", prefixHave, cid, index))
}

func havePrefix(cid string) []byte { return []byte(prefixHave + cid + "/") }

func parseHaveIndex(key []byte) (int, bool) {
	s := string(key)
	slash := strings.LastIndexByte(s, '/')
	if slash < 0 {
		return 0, false
	}
	i, err := strconv.Atoi(s[slash+1:])
	if err != nil {
		return 0, false
	}
	return i, true
}
