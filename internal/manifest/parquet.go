package manifest

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// Row kinds of the artifacts table.
const (
	KindArtifact   = "artifact"
	KindDependency = "dependency"
)

// Row is one (module, file) pair of the artifacts table.
type Row struct {
	Build  string `parquet:"build,dict"`
	Number string `parquet:"number,dict"`
	Module string `parquet:"module,dict"`
	Kind   string `parquet:"kind,dict"`
	Name   string `parquet:"name"`
	Path   string `parquet:"path"`
	SHA1   string `parquet:"sha1"`
	MD5    string `parquet:"md5"`
}

func (bi BuildInfo) rows() []Row {
	var rows []Row
	for _, m := range bi.Modules {
		for _, a := range m.Artifacts {
			rows = append(rows, bi.row(m.ID, KindArtifact, a))
		}
		for _, a := range m.Dependencies {
			rows = append(rows, bi.row(m.ID, KindDependency, a))
		}
	}
	return rows
}

func (bi BuildInfo) row(module, kind string, a Artifact) Row {
	return Row{
		Build:  bi.Name,
		Number: bi.Number,
		Module: module,
		Kind:   kind,
		Name:   a.Name,
		Path:   a.Path,
		SHA1:   a.SHA1,
		MD5:    a.MD5,
	}
}

func encodeRows(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[Row](&buf)
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("write artifacts table: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close artifacts table: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRows reads an artifacts table.
func DecodeRows(data []byte) ([]Row, error) {
	rows, err := parquet.Read[Row](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read artifacts table: %w", err)
	}
	return rows, nil
}
