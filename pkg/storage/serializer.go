package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bobboyms/lsmwriter/pkg/types"
)

// Formato binário das entradas do WAL (little-endian). As chaves usam o
// mesmo esquema de tags do checkpoint (serializeKey/deserializeKey), para
// que WAL e checkpoint concordem em um único encoding de chave.
//
//	DocumentEntry:   u16 len | table | u16 len | index |
//	                 u16 len | key | u32 len | doc
//	MultiIndexEntry: u16 len | table | u16 count |
//	                 count x (u16 len | index | u16 len | key) |
//	                 u32 len | doc

func writeLenString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readLenString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeLenKey(buf *bytes.Buffer, key types.Comparable) error {
	keyBytes, err := serializeKey(key)
	if err != nil {
		return err
	}
	binary.Write(buf, binary.LittleEndian, uint16(len(keyBytes)))
	buf.Write(keyBytes)
	return nil
}

func readLenKey(r *bytes.Reader) (types.Comparable, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return deserializeKey(b)
}

func writeLenDoc(buf *bytes.Buffer, doc []byte) {
	binary.Write(buf, binary.LittleEndian, uint32(len(doc)))
	buf.Write(doc)
}

func readLenDoc(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// SerializeDocumentEntry serializa uma entrada de índice único para o WAL
func SerializeDocumentEntry(tableName, indexName string, key types.Comparable, document []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	writeLenString(buf, tableName)
	writeLenString(buf, indexName)
	if err := writeLenKey(buf, key); err != nil {
		return nil, err
	}
	writeLenDoc(buf, document)
	return buf.Bytes(), nil
}

// DeserializeDocumentEntry desserializa uma entrada de índice único do WAL
func DeserializeDocumentEntry(data []byte) (tableName, indexName string, key types.Comparable, document []byte, err error) {
	r := bytes.NewReader(data)
	if tableName, err = readLenString(r); err != nil {
		err = fmt.Errorf("document entry: table name: %w", err)
		return
	}
	if indexName, err = readLenString(r); err != nil {
		err = fmt.Errorf("document entry: index name: %w", err)
		return
	}
	if key, err = readLenKey(r); err != nil {
		err = fmt.Errorf("document entry: key: %w", err)
		return
	}
	if document, err = readLenDoc(r); err != nil {
		err = fmt.Errorf("document entry: document: %w", err)
	}
	return
}

// SerializeMultiIndexEntry serializa uma entrada multi-índice (InsertRow)
// para o WAL: uma chave por índice, um único documento compartilhado
func SerializeMultiIndexEntry(tableName string, keys map[string]types.Comparable, document []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	writeLenString(buf, tableName)
	binary.Write(buf, binary.LittleEndian, uint16(len(keys)))
	for indexName, key := range keys {
		writeLenString(buf, indexName)
		if err := writeLenKey(buf, key); err != nil {
			return nil, err
		}
	}
	writeLenDoc(buf, document)
	return buf.Bytes(), nil
}

// DeserializeMultiIndexEntry desserializa uma entrada multi-índice do WAL
func DeserializeMultiIndexEntry(data []byte) (tableName string, keys map[string]types.Comparable, document []byte, err error) {
	r := bytes.NewReader(data)
	if tableName, err = readLenString(r); err != nil {
		err = fmt.Errorf("multi-index entry: table name: %w", err)
		return
	}
	var count uint16
	if err = binary.Read(r, binary.LittleEndian, &count); err != nil {
		err = fmt.Errorf("multi-index entry: index count: %w", err)
		return
	}
	keys = make(map[string]types.Comparable, count)
	for i := 0; i < int(count); i++ {
		var indexName string
		var key types.Comparable
		if indexName, err = readLenString(r); err != nil {
			err = fmt.Errorf("multi-index entry: index %d name: %w", i, err)
			return
		}
		if key, err = readLenKey(r); err != nil {
			err = fmt.Errorf("multi-index entry: index %d key: %w", i, err)
			return
		}
		keys[indexName] = key
	}
	if document, err = readLenDoc(r); err != nil {
		err = fmt.Errorf("multi-index entry: document: %w", err)
	}
	return
}
