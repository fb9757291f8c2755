package transfer

import (
	"fmt"
	"os"

	"github.com/anacrolix/torrent"
)

// Status is a point-in-time sample of one transfer handle, taken on each
// poll tick. No field is valid past the sample that produced it.
type Status struct {
	HasMetadata    bool
	Name           string
	BytesCompleted int64
	TotalBytes     int64
	Complete       bool
}

// Handle is one in-flight acquisition exposed by the engine.
type Handle interface {
	Status() (Status, error)
	Download()
	Drop()
}

// Engine abstracts the torrent client so the runner can be exercised with a
// fake in tests.
type Engine interface {
	Open(magnet string) (Handle, error)
	Close()
}

// TorrentEngine adapts an anacrolix torrent client to the Engine interface.
type TorrentEngine struct {
	client   *torrent.Client
	trackers []string
}

// NewTorrentEngine builds a torrent client saving into dataDir.
func NewTorrentEngine(dataDir string) (*TorrentEngine, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = dataDir
	clientConfig.NoUpload = false
	clientConfig.Seed = false

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}

	return &TorrentEngine{client: client, trackers: defaultTrackers()}, nil
}

func (e *TorrentEngine) Open(magnet string) (Handle, error) {
	t, err := e.client.AddMagnet(magnet)
	if err != nil {
		return nil, fmt.Errorf("add magnet: %w", err)
	}
	for _, tracker := range e.trackers {
		t.AddTrackers([][]string{{tracker}})
	}
	return &torrentHandle{t: t}, nil
}

func (e *TorrentEngine) Close() {
	e.client.Close()
}

type torrentHandle struct {
	t *torrent.Torrent
}

func (h *torrentHandle) Status() (Status, error) {
	info := h.t.Info()
	st := Status{
		HasMetadata: info != nil,
		Name:        h.t.Name(),
	}
	if info == nil {
		return st, nil
	}
	st.BytesCompleted = h.t.BytesCompleted()
	st.TotalBytes = info.TotalLength()
	st.Complete = h.t.BytesMissing() == 0
	return st, nil
}

func (h *torrentHandle) Download() {
	h.t.DownloadAll()
}

func (h *torrentHandle) Drop() {
	h.t.Drop()
}

func defaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://tracker.openbittorrent.com:6969/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"http://tracker.openbittorrent.com:80/announce",
		"udp://tracker.torrent.eu.org:451/announce",
		"udp://tracker.moeking.me:6969/announce",
	}
}

var _ Engine = (*TorrentEngine)(nil)
