// pkg/meta/format.go

package meta

import (
	"bytes"
	"encoding/json"

	"AveGrid/pkg/object"
	"AveGrid/pkg/utils"

	"github.com/pkg/errors"
)

var logger = utils.GetLogger("avegrid")

const settingKey = "setting"

// Init writes `format` into the world storage. An existing world can only be
// re-initialized with identical settings (secrets and bandwidth limits may
// change) unless `force` is set.
func Init(store object.ObjectStorage, format Format, force bool) error {
	if err := format.Validate(); err != nil {
		return err
	}
	body, err := object.ReadAll(store, settingKey)
	if err != nil && !object.IsNotFound(err) {
		return err
	}
	if err == nil {
		var old Format
		err = json.Unmarshal(body, &old)
		if err != nil {
			logger.Fatalf("existing format is broken: %s", err)
		}
		if force {
			old.RemoveSecret()
			logger.Warnf("Existing world will be overwritten: %+v", old)
		} else {
			format.UUID = old.UUID
			old.AccessKey = format.AccessKey
			old.SecretKey = format.SecretKey
			old.UploadLimit = format.UploadLimit
			old.DownloadLimit = format.DownloadLimit
			if format != old {
				old.SecretKey = ""
				format.SecretKey = ""
				return errors.Errorf("cannot update format from %+v to %+v", old, format)
			}
		}
	}

	format.SecretKey = ""
	data, err := json.MarshalIndent(format, "", "  ")
	if err != nil {
		logger.Fatalf("json: %s", err)
	}
	return store.Put(settingKey, bytes.NewReader(data))
}

// Load reads back the format written by Init.
func Load(store object.ObjectStorage) (*Format, error) {
	body, err := object.ReadAll(store, settingKey)
	if object.IsNotFound(err) {
		return nil, errors.Errorf("world is not formatted")
	}
	if err != nil {
		return nil, err
	}
	var f Format
	if err = json.Unmarshal(body, &f); err != nil {
		return nil, errors.Wrapf(err, "json")
	}
	if err = f.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid format")
	}
	return &f, nil
}
