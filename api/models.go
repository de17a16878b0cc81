package api

import (
	"io/ioutil"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/api/routes"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/trainer"
	"go.uber.org/zap"
)

// ModelName is the name the pushed model is served under.
const ModelName = "fraud"

// ErrNoModel is returned when the serving directory holds no loadable model version.
var ErrNoModel = errors.New("no pushed model found")

// LoadLatestModel loads the newest version pushed to base. Versions are the numeric
// subdirectories the filesystem pusher creates; unloadable versions are skipped.
func LoadLatestModel(name string, base string, logger *zap.SugaredLogger) (*routes.ServedModel, error) {
	entries, err := ioutil.ReadDir(base)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list serving dir %s", base)
	}

	var versions []int64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		version, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })

	for _, version := range versions {
		path := filepath.Join(base, strconv.FormatInt(version, 10))
		model, err := trainer.LoadSavedModel(path)
		if err != nil {
			logger.Warnf("Skipping model version %d: %v", version, err)
			continue
		}
		return &routes.ServedModel{Name: name, Version: version, Path: path, Model: model}, nil
	}
	return nil, errors.Wrap(ErrNoModel, base)
}
