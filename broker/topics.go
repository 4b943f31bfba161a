package broker

import (
	"io/ioutil"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/thatguystone/kafkalocal/commitlog"
	"github.com/thatguystone/kafkalocal/log"
)

const maxTopicNameLen = 249

var (
	ErrTopicExists       = errors.New("broker: topic exists already")
	ErrInvalidTopic      = errors.New("broker: invalid topic name")
	ErrInvalidPartitions = errors.New("broker: partition count must be at least 1")

	topicNameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Partition is a partition this broker leads, backed by its commit log.
type Partition struct {
	Topic string
	ID    int32
	Dir   string
	Log   *commitlog.CommitLog
}

func partitionDirName(topic string, id int32) string {
	return topic + "-" + strconv.Itoa(int(id))
}

// parsePartitionDir splits <topic>-<partition>. The topic itself may hold
// dashes.
func parsePartitionDir(name string) (string, int32, bool) {
	i := strings.LastIndex(name, "-")
	if i <= 0 {
		return "", 0, false
	}
	id, err := strconv.ParseInt(name[i+1:], 10, 32)
	if err != nil || id < 0 {
		return "", 0, false
	}
	topic := name[:i]
	if validTopicName(topic) != nil {
		return "", 0, false
	}
	return topic, int32(id), true
}

func validTopicName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return errors.Wrapf(ErrInvalidTopic, "%q", name)
	case len(name) > maxTopicNameLen:
		return errors.Wrapf(ErrInvalidTopic, "%q is longer than %d", name, maxTopicNameLen)
	case !topicNameRe.MatchString(name):
		return errors.Wrapf(ErrInvalidTopic, "%q holds characters other than [a-zA-Z0-9._-]", name)
	}
	return nil
}

func (b *Broker) openPartition(dir, topic string, id int32) (*Partition, error) {
	path := filepath.Join(dir, partitionDirName(topic, id))
	l, err := commitlog.New(commitlog.Options{
		Path:            path,
		MaxSegmentBytes: b.config.SegmentBytes,
		MaxIndexBytes:   b.config.IndexBytes,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "broker: open %s", path)
	}
	return &Partition{Topic: topic, ID: id, Dir: dir, Log: l}, nil
}

// loadPartitions opens every partition dir found in the log dirs.
func (b *Broker) loadPartitions() error {
	found := make(map[string]map[int32]*Partition)
	for _, dir := range b.config.LogDirs {
		files, err := ioutil.ReadDir(dir)
		if err != nil {
			return errors.Wrapf(err, "broker: read log dir %s", dir)
		}
		for _, f := range files {
			if !f.IsDir() {
				continue
			}
			topic, id, ok := parsePartitionDir(f.Name())
			if !ok {
				b.logger.Debug("skipping dir", log.String("dir", filepath.Join(dir, f.Name())))
				continue
			}
			if _, ok := found[topic][id]; ok {
				return errors.Errorf("broker: partition %s found in more than one log dir", partitionDirName(topic, id))
			}
			p, err := b.openPartition(dir, topic, id)
			if err != nil {
				return err
			}
			if found[topic] == nil {
				found[topic] = make(map[int32]*Partition)
			}
			found[topic][id] = p
		}
	}

	b.topicsLock.Lock()
	defer b.topicsLock.Unlock()
	for topic, byID := range found {
		ps := make([]*Partition, len(byID))
		for id, p := range byID {
			if int(id) >= len(ps) {
				return errors.Errorf("broker: topic %s is missing partitions below %d", topic, id)
			}
			ps[id] = p
		}
		b.topics[topic] = ps
		b.logger.Info("loaded topic", log.String("topic", topic), log.Int("partitions", len(ps)))
	}
	return nil
}

// createTopic creates n partitions for topic, spreading them over the log
// dirs holding the fewest partitions.
func (b *Broker) createTopic(topic string, n int32) ([]*Partition, error) {
	if err := validTopicName(topic); err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, ErrInvalidPartitions
	}

	b.topicsLock.Lock()
	defer b.topicsLock.Unlock()
	if _, ok := b.topics[topic]; ok {
		return nil, errors.Wrapf(ErrTopicExists, "%s", topic)
	}

	load := make(map[string]int, len(b.config.LogDirs))
	for _, ps := range b.topics {
		for _, p := range ps {
			load[p.Dir]++
		}
	}

	ps := make([]*Partition, 0, n)
	for id := int32(0); id < n; id++ {
		dir := b.config.LogDirs[0]
		for _, d := range b.config.LogDirs[1:] {
			if load[d] < load[dir] {
				dir = d
			}
		}
		p, err := b.openPartition(dir, topic, id)
		if err != nil {
			for _, p := range ps {
				p.Log.Delete()
			}
			return nil, err
		}
		load[dir]++
		ps = append(ps, p)
	}
	b.topics[topic] = ps
	b.logger.Info("created topic", log.String("topic", topic), log.Int32("partitions", n))
	return ps, nil
}

// partitions returns topic's partitions, nil when the topic is unknown.
func (b *Broker) partitions(topic string) []*Partition {
	b.topicsLock.RLock()
	defer b.topicsLock.RUnlock()
	return b.topics[topic]
}

func (b *Broker) partition(topic string, id int32) *Partition {
	ps := b.partitions(topic)
	if id < 0 || int(id) >= len(ps) {
		return nil
	}
	return ps[id]
}

// Topics returns the names of every topic, sorted.
func (b *Broker) Topics() []string {
	b.topicsLock.RLock()
	defer b.topicsLock.RUnlock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Broker) closePartitions() error {
	b.topicsLock.Lock()
	defer b.topicsLock.Unlock()
	var first error
	for _, ps := range b.topics {
		for _, p := range ps {
			if err := p.Log.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	b.topics = make(map[string][]*Partition)
	return first
}
