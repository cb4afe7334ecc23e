package extreg

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// The on-disk cache is four files rooted at one directory:
//
//   namespace.bin  every Namespace, always loaded in full at Init time
//                  since namespaces are never lazily faulted, followed
//                  by the orphan table (identifier -> extension ids) so
//                  that unresolved extensions survive a restart.
//   table.bin      an index from (id, kind) to its byte offset in
//                  main.bin, read in full at Init time so lazy fault-in
//                  is an O(1) lookup followed by one seek+read.
//   main.bin       records for every ExtensionPoint, Extension,
//                  ConfigurationElement, and
//                  ThirdLevelConfigurationElement, read lazily; each
//                  record is its fields written back to back, with no
//                  record-level length prefix.
//   extra.bin      length-prefixed ExtraData strings referenced by a
//                  ThirdLevelConfigurationElement's ExtraDataOffset.
//
// All multi-byte integers are little-endian; all strings are
// length-prefixed UTF-8 (uint16 byte length followed by the bytes).
// Every table row is a fixed-size {id: i32, kind: u8, mainOffset: i64,
// extraOffset: i64}; extraOffset is meaningful only for a
// ThirdLevelConfigurationElement row and is 0 for every other kind.
const (
	namespaceFileName = "namespace.bin"
	tableFileName     = "table.bin"
	mainFileName      = "main.bin"
	extraFileName     = "extra.bin"
)

// tableEntry locates one record within main.bin, plus, for a
// ThirdLevelConfigurationElement, the byte offset of its ExtraData
// string within extra.bin.
type tableEntry struct {
	kind        Kind
	offset      int64
	extraOffset int64
}

// CacheReader serves lazy fault-in reads against a previously saved
// cache directory. It holds the namespace file's contents and the
// table index fully in memory, and keeps main.bin/extra.bin open for
// positioned reads on demand until Close.
type CacheReader struct {
	dir   string
	stamp int64
	maxID ID

	namespaces []*Namespace
	orphans    []orphanEntry
	table      map[ID]tableEntry

	main      *os.File
	mainSize  int64
	extra     *os.File
	extraSize int64
}

// orphanEntry is one persisted orphan-table row, in the insertion
// order the live table held it.
type orphanEntry struct {
	identifier string
	ids        []ID
}

// OpenCacheReader opens dir's four cache files and validates the stamp
// recorded in namespace.bin against expectedStamp. A nil
// expectedStamp skips the check. Any I/O or format error, or a stamp
// mismatch, is returned to the caller, which is expected to swallow it
// and fall back to a full rebuild (Config.NoRegistryCache's sibling
// behavior on failure).
func OpenCacheReader(dir string, expectedStamp *int64) (*CacheReader, error) {
	nsFile, err := os.Open(filepath.Join(dir, namespaceFileName))
	if err != nil {
		return nil, &CacheError{File: namespaceFileName, Cause: err, Kind: ErrCacheIO}
	}
	defer nsFile.Close()

	r := bufio.NewReader(nsFile)
	stamp, err := readInt64(r)
	if err != nil {
		return nil, &CacheError{File: namespaceFileName, Cause: err, Kind: ErrCacheFormat}
	}
	if expectedStamp != nil && stamp != *expectedStamp {
		return nil, &CacheError{File: namespaceFileName, Cause: fmt.Errorf("stamp %d != expected %d", stamp, *expectedStamp), Kind: ErrStampMismatch}
	}

	count, err := readUint32(r)
	if err != nil {
		return nil, &CacheError{File: namespaceFileName, Cause: err, Kind: ErrCacheFormat}
	}

	namespaces := make([]*Namespace, 0, count)
	var maxID ID
	for i := uint32(0); i < count; i++ {
		ns, id, err := readNamespaceRecord(r)
		if err != nil {
			return nil, &CacheError{File: namespaceFileName, Cause: err, Kind: ErrCacheFormat}
		}
		ns.id = id
		namespaces = append(namespaces, ns)
		for _, cid := range ns.RawChildren() {
			if cid > maxID {
				maxID = cid
			}
		}
		if id > maxID {
			maxID = id
		}
	}

	orphanCount, err := readUint32(r)
	if err != nil {
		return nil, &CacheError{File: namespaceFileName, Cause: err, Kind: ErrCacheFormat}
	}
	orphans := make([]orphanEntry, 0, orphanCount)
	for i := uint32(0); i < orphanCount; i++ {
		identifier, err := readString(r)
		if err != nil {
			return nil, &CacheError{File: namespaceFileName, Cause: err, Kind: ErrCacheFormat}
		}
		ids, err := readIDs(r)
		if err != nil {
			return nil, &CacheError{File: namespaceFileName, Cause: err, Kind: ErrCacheFormat}
		}
		orphans = append(orphans, orphanEntry{identifier: identifier, ids: ids})
	}

	table, tableMax, err := readTableFile(filepath.Join(dir, tableFileName), stamp, expectedStamp)
	if err != nil {
		return nil, err
	}
	if tableMax > maxID {
		maxID = tableMax
	}

	main, err := os.Open(filepath.Join(dir, mainFileName))
	if err != nil {
		return nil, &CacheError{File: mainFileName, Cause: err, Kind: ErrCacheIO}
	}
	mainInfo, err := main.Stat()
	if err != nil {
		main.Close()
		return nil, &CacheError{File: mainFileName, Cause: err, Kind: ErrCacheIO}
	}
	extra, err := os.Open(filepath.Join(dir, extraFileName))
	if err != nil {
		main.Close()
		return nil, &CacheError{File: extraFileName, Cause: err, Kind: ErrCacheIO}
	}
	extraInfo, err := extra.Stat()
	if err != nil {
		main.Close()
		extra.Close()
		return nil, &CacheError{File: extraFileName, Cause: err, Kind: ErrCacheIO}
	}

	return &CacheReader{
		dir:        dir,
		stamp:      stamp,
		maxID:      maxID,
		namespaces: namespaces,
		orphans:    orphans,
		table:      table,
		main:       main,
		mainSize:   mainInfo.Size(),
		extra:      extra,
		extraSize:  extraInfo.Size(),
	}, nil
}

func readTableFile(path string, nsStamp int64, expectedStamp *int64) (map[ID]tableEntry, ID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, &CacheError{File: tableFileName, Cause: err, Kind: ErrCacheIO}
	}
	defer f.Close()

	r := bufio.NewReader(f)
	stamp, err := readInt64(r)
	if err != nil {
		return nil, 0, &CacheError{File: tableFileName, Cause: err, Kind: ErrCacheFormat}
	}
	if stamp != nsStamp {
		return nil, 0, &CacheError{File: tableFileName, Cause: fmt.Errorf("table stamp %d != namespace stamp %d", stamp, nsStamp), Kind: ErrCacheFormat}
	}
	if expectedStamp != nil && stamp != *expectedStamp {
		return nil, 0, &CacheError{File: tableFileName, Cause: fmt.Errorf("stamp %d != expected %d", stamp, *expectedStamp), Kind: ErrStampMismatch}
	}

	count, err := readUint32(r)
	if err != nil {
		return nil, 0, &CacheError{File: tableFileName, Cause: err, Kind: ErrCacheFormat}
	}

	table := make(map[ID]tableEntry, count)
	var maxID ID
	for i := uint32(0); i < count; i++ {
		id, err := readInt32(r)
		if err != nil {
			return nil, 0, &CacheError{File: tableFileName, Cause: err, Kind: ErrCacheFormat}
		}
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, 0, &CacheError{File: tableFileName, Cause: err, Kind: ErrCacheFormat}
		}
		offset, err := readInt64(r)
		if err != nil {
			return nil, 0, &CacheError{File: tableFileName, Cause: err, Kind: ErrCacheFormat}
		}
		extraOffset, err := readInt64(r)
		if err != nil {
			return nil, 0, &CacheError{File: tableFileName, Cause: err, Kind: ErrCacheFormat}
		}
		table[ID(id)] = tableEntry{kind: Kind(kindByte), offset: offset, extraOffset: extraOffset}
		if ID(id) > maxID {
			maxID = ID(id)
		}
	}
	return table, maxID, nil
}

// AllIDs returns every id the table file indexes, for eager fault-in
// (Config.NoLazyCacheLoading).
func (r *CacheReader) AllIDs() ([]struct {
	ID   ID
	Kind Kind
}, error) {
	out := make([]struct {
		ID   ID
		Kind Kind
	}, 0, len(r.table))
	for id, e := range r.table {
		out = append(out, struct {
			ID   ID
			Kind Kind
		}{ID: id, Kind: e.kind})
	}
	return out, nil
}

// Load reads and decodes the record for id from main.bin, consulting
// the in-memory table for its offset and kind. Reads go through
// io.SectionReader so concurrent fault-ins never contend on a shared
// file position.
func (r *CacheReader) Load(id ID) (RegistryObject, Kind, error) {
	entry, ok := r.table[id]
	if !ok {
		return nil, 0, &StaleHandleError{ID: id}
	}
	sr := io.NewSectionReader(r.main, entry.offset, r.mainSize-entry.offset)

	obj, err := decodeRecord(sr, entry.kind, entry.extraOffset, r)
	if err != nil {
		return nil, 0, &CacheError{File: mainFileName, Cause: err, Kind: ErrCacheFormat}
	}
	setObjectID(obj, id)
	return obj, entry.kind, nil
}

// setObjectID stamps id onto the freshly-decoded record: decodeRecord
// never sees the id itself, since main.bin stores records as a flat
// sequence and the id lives only in the table file's index.
func setObjectID(obj RegistryObject, id ID) {
	switch v := obj.(type) {
	case *ExtensionPoint:
		v.id = id
	case *Extension:
		v.id = id
	case *ConfigurationElement:
		v.id = id
	case *ThirdLevelConfigurationElement:
		v.id = id
	}
}

// Close releases the reader's open file handles.
func (r *CacheReader) Close() error {
	err1 := r.main.Close()
	err2 := r.extra.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// SaveCache writes the four cache files for every hot record currently
// resident in om, atomically replacing any existing cache at dir.
// stamp is the value computed from the current contributing bundles
// (ComputeStamp).
func SaveCache(dir string, om *ObjectManager, stamp int64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &CacheError{File: dir, Cause: err, Kind: ErrCacheIO}
	}

	// The writer only sees hot records; fault every surviving cold
	// record in first, or a never-read record would be dropped from
	// the new cache while the namespace file still lists its id.
	if om.reader != nil {
		if err := om.faultInAll(); err != nil {
			return err
		}
	}

	extraBuf, extraOffsets, err := encodeExtras(om)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(dir, extraFileName, extraBuf); err != nil {
		return err
	}

	mainBuf, table, err := encodeMain(om, extraOffsets)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(dir, mainFileName, mainBuf); err != nil {
		return err
	}

	tableBuf := encodeTable(stamp, table)
	if err := writeFileAtomic(dir, tableFileName, tableBuf); err != nil {
		return err
	}

	nsBuf := encodeNamespaces(stamp, om)
	if err := writeFileAtomic(dir, namespaceFileName, nsBuf); err != nil {
		return err
	}

	return nil
}

func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return &CacheError{File: name, Cause: err, Kind: ErrCacheIO}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &CacheError{File: name, Cause: err, Kind: ErrCacheIO}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &CacheError{File: name, Cause: err, Kind: ErrCacheIO}
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return &CacheError{File: name, Cause: err, Kind: ErrCacheIO}
	}
	return nil
}

// --- low-level codecs ---

func readInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readInt32(r io.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func readUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func readString(r io.Reader) (string, error) {
	n, err := readUint16(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readIDs(r io.Reader) ([]ID, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]ID, n)
	for i := range out {
		v, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		out[i] = ID(v)
	}
	return out, nil
}

func putInt64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

func putUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func putInt32(buf []byte, v int32) []byte {
	return putUint32(buf, uint32(v))
}

func putUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

// putString writes s as a u16 byte-length prefix followed by its UTF-8
// bytes. Callers must not pass a string longer than 65535 bytes; every
// field this codec puts through putString (identifiers, labels, schema
// text, attribute values, ExtraData) is short, dotted-name-scale text,
// never body content.
func putString(buf []byte, s string) []byte {
	buf = putUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func putIDs(buf []byte, ids []ID) []byte {
	buf = putUint32(buf, uint32(len(ids)))
	for _, id := range ids {
		buf = putInt64(buf, int64(id))
	}
	return buf
}

func readNamespaceRecord(r io.Reader) (*Namespace, ID, error) {
	id, err := readInt64(r)
	if err != nil {
		return nil, 0, err
	}
	bundleID, err := readInt64(r)
	if err != nil {
		return nil, 0, err
	}
	uniqueID, err := readString(r)
	if err != nil {
		return nil, 0, err
	}
	points, err := readIDs(r)
	if err != nil {
		return nil, 0, err
	}
	exts, err := readIDs(r)
	if err != nil {
		return nil, 0, err
	}
	return &Namespace{
		BundleIDValue:     bundleID,
		UniqueIdentifier:  uniqueID,
		ExtensionPointIDs: points,
		ExtensionIDs:      exts,
	}, ID(id), nil
}

func encodeNamespaces(stamp int64, om *ObjectManager) []byte {
	var buf []byte
	buf = putInt64(buf, stamp)
	namespaces := om.allNamespaces()
	buf = putUint32(buf, uint32(len(namespaces)))
	for _, ns := range namespaces {
		buf = putInt64(buf, int64(ns.id))
		buf = putInt64(buf, ns.BundleIDValue)
		buf = putString(buf, ns.UniqueIdentifier)
		buf = putIDs(buf, ns.ExtensionPointIDs)
		buf = putIDs(buf, ns.ExtensionIDs)
	}
	buf = putUint32(buf, uint32(om.orphans.Len()))
	for el := om.orphans.Front(); el != nil; el = el.Next() {
		buf = putString(buf, el.Key)
		buf = putIDs(buf, el.Value)
	}
	return buf
}

func encodeTable(stamp int64, entries map[ID]tableEntry) []byte {
	var buf []byte
	buf = putInt64(buf, stamp)
	buf = putUint32(buf, uint32(len(entries)))
	for id, e := range entries {
		buf = putInt32(buf, int32(id))
		buf = append(buf, byte(e.kind))
		buf = putInt64(buf, e.offset)
		buf = putInt64(buf, e.extraOffset)
	}
	return buf
}

// encodeExtras writes every ThirdLevelConfigurationElement's ExtraData
// string into a flat buffer and returns the byte offset each was
// written at, keyed by id.
func encodeExtras(om *ObjectManager) ([]byte, map[ID]int64, error) {
	var buf []byte
	offsets := make(map[ID]int64, om.thirdLevel.Size())
	om.thirdLevel.Range(func(id ID, tl *ThirdLevelConfigurationElement) bool {
		offsets[id] = int64(len(buf))
		buf = putString(buf, tl.ExtraData)
		return true
	})
	return buf, offsets, nil
}

func encodeMain(om *ObjectManager, extraOffsets map[ID]int64) ([]byte, map[ID]tableEntry, error) {
	var buf []byte
	table := make(map[ID]tableEntry, len(om.extensionPoints)+om.extensions.Size()+om.configElements.Size())

	for id, p := range om.extensionPoints {
		table[id] = tableEntry{kind: KindExtensionPoint, offset: int64(len(buf))}
		buf = putString(buf, p.UniqueIdentifier)
		buf = putString(buf, p.SimpleIdentifier)
		buf = putInt64(buf, p.BundleIDValue)
		buf = putString(buf, p.Schema)
		buf = putString(buf, p.Label)
		buf = putIDs(buf, p.rawChildren)
	}

	om.extensions.Range(func(id ID, e *Extension) bool {
		table[id] = tableEntry{kind: KindExtension, offset: int64(len(buf))}
		buf = putString(buf, e.SimpleIdentifier)
		buf = putString(buf, e.ExtensionPointIdentifier)
		buf = putString(buf, e.Label)
		buf = putString(buf, e.NamespaceIdentifier)
		buf = putInt64(buf, e.BundleIDValue)
		buf = putIDs(buf, e.rawChildren)
		return true
	})

	om.configElements.Range(func(id ID, c *ConfigurationElement) bool {
		if tl, isThird := om.thirdLevel.Load(id); isThird {
			table[id] = tableEntry{
				kind:        KindThirdLevelConfigurationElement,
				offset:      int64(len(buf)),
				extraOffset: extraOffsets[id],
			}
			buf = encodeConfigElementBody(buf, &tl.ConfigurationElement)
			return true
		}
		table[id] = tableEntry{kind: KindConfigurationElement, offset: int64(len(buf))}
		buf = encodeConfigElementBody(buf, c)
		return true
	})

	return buf, table, nil
}

func encodeConfigElementBody(buf []byte, c *ConfigurationElement) []byte {
	buf = putString(buf, c.Name)
	buf = putString(buf, c.Value)
	buf = putUint32(buf, uint32(len(c.Attributes)))
	for _, a := range c.Attributes {
		buf = putString(buf, a)
	}
	buf = putInt64(buf, int64(c.Parent))
	buf = append(buf, byte(c.ParentKind))
	buf = putInt64(buf, c.BundleIDValue)
	buf = putIDs(buf, c.rawChildren)
	return buf
}

// decodeRecord decodes the record body at the reader's current position.
// extraOffset is the table entry's extra.bin offset, consulted only for
// KindThirdLevelConfigurationElement — the id-to-offset pairing lives
// in the table file, never in main.bin's own byte stream.
func decodeRecord(r io.Reader, kind Kind, extraOffset int64, cache *CacheReader) (RegistryObject, error) {
	switch kind {
	case KindExtensionPoint:
		uid, err := readString(r)
		if err != nil {
			return nil, err
		}
		sid, err := readString(r)
		if err != nil {
			return nil, err
		}
		bundleID, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		schema, err := readString(r)
		if err != nil {
			return nil, err
		}
		label, err := readString(r)
		if err != nil {
			return nil, err
		}
		children, err := readIDs(r)
		if err != nil {
			return nil, err
		}
		return &ExtensionPoint{
			UniqueIdentifier: uid,
			SimpleIdentifier: sid,
			BundleIDValue:    bundleID,
			Schema:           schema,
			Label:            label,
			rawChildren:      children,
		}, nil

	case KindExtension:
		sid, err := readString(r)
		if err != nil {
			return nil, err
		}
		pid, err := readString(r)
		if err != nil {
			return nil, err
		}
		label, err := readString(r)
		if err != nil {
			return nil, err
		}
		nsid, err := readString(r)
		if err != nil {
			return nil, err
		}
		bundleID, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		children, err := readIDs(r)
		if err != nil {
			return nil, err
		}
		return &Extension{
			SimpleIdentifier:         sid,
			ExtensionPointIdentifier: pid,
			Label:                    label,
			NamespaceIdentifier:      nsid,
			BundleIDValue:            bundleID,
			rawChildren:              children,
		}, nil

	case KindConfigurationElement:
		c, err := decodeConfigElementBody(r)
		if err != nil {
			return nil, err
		}
		return c, nil

	case KindThirdLevelConfigurationElement:
		c, err := decodeConfigElementBody(r)
		if err != nil {
			return nil, err
		}
		extraData := ""
		if extraOffset < cache.extraSize {
			sr := io.NewSectionReader(cache.extra, extraOffset, cache.extraSize-extraOffset)
			extraData, _ = readString(sr)
		}
		return &ThirdLevelConfigurationElement{ConfigurationElement: *c, ExtraData: extraData, ExtraDataOffset: extraOffset}, nil

	default:
		return nil, fmt.Errorf("extreg: cache record has unsupported kind %s", kind)
	}
}

func decodeConfigElementBody(r io.Reader) (*ConfigurationElement, error) {
	name, err := readString(r)
	if err != nil {
		return nil, err
	}
	value, err := readString(r)
	if err != nil {
		return nil, err
	}
	attrCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	attrs := make([]string, attrCount)
	for i := range attrs {
		attrs[i], err = readString(r)
		if err != nil {
			return nil, err
		}
	}
	parent, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	var kindByte [1]byte
	if _, err := io.ReadFull(r, kindByte[:]); err != nil {
		return nil, err
	}
	bundleID, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	children, err := readIDs(r)
	if err != nil {
		return nil, err
	}
	return &ConfigurationElement{
		Name:          name,
		Value:         value,
		Attributes:    attrs,
		Parent:        ID(parent),
		ParentKind:    Kind(kindByte[0]),
		BundleIDValue: bundleID,
		rawChildren:   children,
	}, nil
}
