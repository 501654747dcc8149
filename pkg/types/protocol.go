// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/base64"
	"slices"
	"strings"
)

// Resumable protocol constants shared by the server and the client.
const (
	TusVersion = "1.0.0"

	HeaderTusResumable      = "Tus-Resumable"
	HeaderTusVersion        = "Tus-Version"
	HeaderTusExtension      = "Tus-Extension"
	HeaderTusMaxSize        = "Tus-Max-Size"
	HeaderTusChecksumAlgo   = "Tus-Checksum-Algorithm"
	HeaderUploadLength      = "Upload-Length"
	HeaderUploadDeferLength = "Upload-Defer-Length"
	HeaderUploadOffset      = "Upload-Offset"
	HeaderUploadMetadata    = "Upload-Metadata"
	HeaderUploadChecksum    = "Upload-Checksum"
	HeaderUploadExpires     = "Upload-Expires"

	ContentTypeOffsetOctetStream = "application/offset+octet-stream"
)

// Well-known metadata keys carrying the file name and type.
var (
	MetadataNameKeys = []string{"filename", "name"}
	MetadataTypeKeys = []string{"filetype", "type", "contentType"}
)

// ParseMetadataHeader decodes "key base64value,key2 base64value2". Elements
// with more than two fields or an invalid base64 value are skipped.
func ParseMetadataHeader(header string) map[string]string {
	meta := make(map[string]string)
	for element := range strings.SplitSeq(header, ",") {
		fields := strings.Fields(element)
		if len(fields) == 0 || len(fields) > 2 {
			continue
		}
		value := ""
		if len(fields) == 2 {
			dec, err := base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				continue
			}
			value = string(dec)
		}
		meta[fields[0]] = value
	}
	return meta
}

// EncodeMetadataHeader is the inverse of ParseMetadataHeader. Keys are
// emitted in sorted order.
func EncodeMetadataHeader(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		if k == "" || strings.ContainsAny(k, " ,") {
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		if v := meta[k]; v != "" {
			b.WriteByte(' ')
			b.WriteString(base64.StdEncoding.EncodeToString([]byte(v)))
		}
	}
	return b.String()
}

// FirstOf returns the value of the first present key.
func FirstOf(meta map[string]string, keys []string) string {
	for _, k := range keys {
		if v, ok := meta[k]; ok && v != "" {
			return v
		}
	}
	return ""
}
