// Package volume implements the MDM volume manager: create, map,
// unmap, extend and delete operations that drive pkg/engine placement
// decisions and pkg/bfile backing-file allocation. Create undoes its
// earlier steps when a later one fails; Map, Unmap, Extend and Delete
// return at the first failed step and do not undo the steps before it.
package volume
