package broker

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/magiconair/properties"
	"github.com/pkg/errors"
	"github.com/thatguystone/kafkalocal/config"
)

const (
	metaPropertiesFile    = "meta.properties"
	metaPropertiesVersion = "0"
)

var (
	// ErrClusterIDMismatch is returned when a log dir was written for
	// another cluster.
	ErrClusterIDMismatch = errors.New("broker: cluster id in meta.properties does not match the coordinator's")
	// ErrBrokerIDMismatch is returned when a log dir belongs to another
	// broker id.
	ErrBrokerIDMismatch = errors.New("broker: broker.id in meta.properties does not match the configured one")
)

// checkMetaProperties verifies dir's meta.properties against id and
// clusterID, writing the file when the dir has none.
func checkMetaProperties(dir string, id int32, clusterID string) error {
	p, err := config.Load(os.DirFS(dir), metaPropertiesFile)
	if errors.Is(err, config.ErrResourceNotFound) {
		return writeMetaProperties(dir, id, clusterID)
	}
	if err != nil {
		return errors.Wrapf(err, "broker: read %s", filepath.Join(dir, metaPropertiesFile))
	}

	if v := config.String(p, "cluster.id", ""); v != clusterID {
		return errors.Wrapf(ErrClusterIDMismatch, "%s has %q, coordinator has %q", dir, v, clusterID)
	}
	if v := config.String(p, "broker.id", ""); v != strconv.Itoa(int(id)) {
		return errors.Wrapf(ErrBrokerIDMismatch, "%s has %q, configured %d", dir, v, id)
	}
	return nil
}

func writeMetaProperties(dir string, id int32, clusterID string) error {
	p := properties.NewProperties()
	p.DisableExpansion = true
	p.MustSet("version", metaPropertiesVersion)
	p.MustSet("broker.id", strconv.Itoa(int(id)))
	p.MustSet("cluster.id", clusterID)
	p.SetComment("version", time.Now().UTC().Format(time.UnixDate))

	path := filepath.Join(dir, metaPropertiesFile)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "broker: create meta.properties")
	}
	if _, err := p.WriteComment(f, "#", properties.UTF8); err != nil {
		f.Close()
		return errors.Wrap(err, "broker: write meta.properties")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "broker: sync meta.properties")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "broker: close meta.properties")
	}
	return errors.Wrap(os.Rename(tmp, path), "broker: rename meta.properties")
}
