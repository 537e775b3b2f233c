package storage

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
)

// describe fills the checksums Artifactory-style build info expects.
func describe(path, name string, data []byte) FileInfo {
	s1 := sha1.Sum(data)
	m5 := md5.Sum(data)
	s256 := sha256.Sum256(data)
	return FileInfo{
		Path:   path,
		Name:   name,
		Size:   int64(len(data)),
		SHA1:   hex.EncodeToString(s1[:]),
		MD5:    hex.EncodeToString(m5[:]),
		SHA256: hex.EncodeToString(s256[:]),
	}
}
