package objectstore

import (
	"fmt"
	"path"
	"strings"
)

// formFilePrefix is the root prefix for dynamic form uploads.
const formFilePrefix = "form-dynamic-file"

// archivePrefix is where temporary session archives are parked until the
// retention sweeper collects them.
const archivePrefix = "temp/zips"

// FormFileKey builds the storage key for one uploaded form file:
// form-dynamic-file/{orgSerial}/{sessionSerial}/{fieldName}/{serial}_{name}.
func FormFileKey(orgSerial, sessionSerial int64, fieldName string, fileSerial int64, originalName string) string {
	return fmt.Sprintf("%s/%d/%d/%s/%d_%s",
		formFilePrefix, orgSerial, sessionSerial, fieldName, fileSerial, SanitizeName(originalName))
}

// ArchiveKey builds the storage key for a stored session archive.
func ArchiveKey(jobID, fieldName string) string {
	if fieldName == "" {
		return fmt.Sprintf("%s/%s.zip", archivePrefix, jobID)
	}
	return fmt.Sprintf("%s/%s_%s.zip", archivePrefix, jobID, SanitizeName(fieldName))
}

// SanitizeName makes an original filename safe for use inside a key.
func SanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	replacer := strings.NewReplacer(" ", "_", "#", "_", "?", "_", "%", "_")
	return replacer.Replace(name)
}

// NormalizeKey strips a redundant bucket-name prefix that legacy rows
// accidentally embedded in their storage keys. New data never carries the
// prefix; this stays at the ingestion boundary until the backfill lands.
// TODO: remove once legacy form_files keys are rewritten.
func NormalizeKey(key, bucket string) string {
	key = strings.TrimPrefix(key, "/")
	if bucket != "" && strings.HasPrefix(key, bucket+"/") {
		key = strings.TrimPrefix(key, bucket+"/")
	}
	return key
}

// EntryName derives the archive entry name from a storage key's last
// path segment.
func EntryName(key string) string {
	return path.Base(key)
}
