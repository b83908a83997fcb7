// Verifies torrent data on disk against its resume data, and manages stored resume data.
//
// Example run:
// $ diskio-verify --config diskio.yaml verify ubuntu.iso.torrent
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/anacrolix/diskio"
	"github.com/anacrolix/diskio/checker"
	"github.com/anacrolix/diskio/internal/config"
	"github.com/anacrolix/diskio/recheck"
	"github.com/anacrolix/diskio/resume"
	"github.com/anacrolix/diskio/resumestore"
	"github.com/anacrolix/diskio/storage"
)

var flags struct {
	Config string `help:"config file"`
	Debug  bool

	*VerifyCmd      `arg:"subcommand:verify"`
	*StatusCmd      `arg:"subcommand:status"`
	*RecheckFileCmd `arg:"subcommand:recheck-file"`
}

type VerifyCmd struct {
	Force       bool   `help:"report errors reading pieces"`
	NewFiles    bool   `help:"ignore stored resume data"`
	Stats       bool   `help:"dump disk stats at the end"`
	MetricsAddr string `help:"serve prometheus metrics on this address"`
	Watch       bool   `help:"apply config file changes while running"`
	Torrent     string `arg:"positional,required" help:"torrent file path"`
}

type StatusCmd struct {
	Torrent []string `arg:"positional,required" help:"torrent file paths"`
}

type RecheckFileCmd struct {
	Clear   bool     `help:"mark the files' pieces not done instead of checking them next time"`
	Torrent string   `arg:"positional,required"`
	File    []string `arg:"positional,required" help:"paths of files within the torrent"`
}

var logger = log.Default.WithNames("diskio-verify")

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		logger.Levelf(log.Error, "error in main: %v", err)
		os.Exit(1)
	}
}

func mainErr() error {
	p := arg.MustParse(&flags)
	reg := config.NewRegistry()
	cfg, err := reg.Load(flags.Config)
	if err != nil {
		return err
	}
	switch {
	case flags.VerifyCmd != nil:
		return verify(reg, cfg, flags.VerifyCmd)
	case flags.StatusCmd != nil:
		return status(cfg, flags.StatusCmd)
	case flags.RecheckFileCmd != nil:
		return recheckFile(cfg, flags.RecheckFileCmd)
	default:
		p.Fail(fmt.Sprintf("unexpected subcommand: %v", p.Subcommand()))
		panic("unreachable")
	}
}

func openStore(cfg config.Config) (resume.Store, error) {
	dir := cfg.StateDir
	if cfg.Store == "memory" {
		return resumestore.NewMemory(), nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	switch cfg.Store {
	case "bolt":
		return resumestore.NewBolt(dir)
	case "sqlite":
		return resumestore.NewSqlite(dir)
	case "file":
		return resumestore.NewFile(dir)
	default:
		return resumestore.NewDefault(dir), nil
	}
}

type loadedTorrent struct {
	info     metainfo.Info
	infoHash metainfo.Hash
	layout   *storage.Layout
}

func loadTorrent(path, dataDir string) (ret loadedTorrent, err error) {
	mi, err := metainfo.LoadFromFile(path)
	if err != nil {
		err = fmt.Errorf("loading metainfo from %q: %w", path, err)
		return
	}
	ret.info, err = mi.UnmarshalInfo()
	if err != nil {
		err = fmt.Errorf("unmarshalling info from %q: %w", path, err)
		return
	}
	ret.infoHash = mi.HashInfoBytes()
	ret.layout = storage.LayoutFromInfo(&ret.info, ret.infoHash, dataDir)
	return
}

func (me loadedTorrent) hashes() (ret []metainfo.Hash) {
	ret = make([]metainfo.Hash, me.info.NumPieces())
	for i := range ret {
		copy(ret[i][:], me.info.Pieces[i*metainfo.HashSize:])
	}
	return
}

func (me loadedTorrent) closeFiles() {
	for _, fi := range me.layout.Files {
		if c, ok := fi.File.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				logger.Levelf(log.Warning, "closing %q: %v", fi.Path, err)
			}
		}
	}
}

func verify(reg *config.Registry, cfg config.Config, cmd *VerifyCmd) (err error) {
	t, err := loadTorrent(cmd.Torrent, cfg.DataDir)
	if err != nil {
		return
	}
	defer t.closeFiles()
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening resume store: %w", err)
	}
	defer store.Close()

	ccfg := diskio.DefaultControllerConfig()
	cfg.Disk.Apply(&ccfg)
	ccfg.Logger = logger
	c := diskio.NewController(ccfg)
	defer c.Close()
	if cmd.MetricsAddr != "" {
		serveMetrics(cmd.MetricsAddr, c)
	}
	ch := checker.New(c, t.layout, t.hashes(), checker.Opts{
		MaxConcurrent: cfg.CheckConcurrency,
		Logger:        logger,
	})
	defer ch.Close()
	h := resume.NewHandler(resume.HandlerOpts{
		Layout:     t.layout,
		Store:      resume.StoreFor(store, t.infoHash.HexString()),
		Checker:    ch,
		Rechecks:   recheck.NewScheduler(cfg.MaxActiveRechecks),
		Controller: c,
		Config:     cfg.Resume,
		Logger:     logger,
	})
	if cmd.Watch && reg.ConfigFile() != "" {
		reg.Subscribe(func(cfg config.Config) {
			h.SetConfig(cfg.Resume)
		})
		reg.Watch()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	stopHandler := context.AfterFunc(ctx, func() {
		logger.Levelf(log.Info, "stopping")
		h.Stop(true)
	})
	defer stopHandler()

	h.Start()
	lastTenth := -1
	h.CheckAllPieces(ctx, cmd.NewFiles, cmd.Force, func(permille int) {
		if permille/100 != lastTenth {
			lastTenth = permille / 100
			fmt.Fprintf(os.Stderr, "checked %v%%\n", lastTenth*10)
		}
	})
	err = h.SaveResumeData(context.Background(), false)
	if err != nil {
		return fmt.Errorf("saving resume data: %w", err)
	}
	st := h.State()
	var doneBytes int64
	for i := range st.NumPieces() {
		if st.IsDone(i) {
			doneBytes += t.layout.PieceSize(i)
		}
	}
	fmt.Printf("%q: %d/%d pieces done (%s/%s)\n",
		t.info.BestName(),
		st.NumDone(), st.NumPieces(),
		humanize.IBytes(uint64(doneBytes)), humanize.IBytes(uint64(t.layout.TotalLength)))
	if cmd.Stats {
		c.Stats().Dump(os.Stdout)
	}
	if h.CheckInterrupted() {
		return errors.New("check interrupted")
	}
	return nil
}

func serveMetrics(addr string, c *diskio.Controller) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(diskio.NewStatsCollector(c))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		err := http.ListenAndServe(addr, mux)
		logger.Levelf(log.Warning, "serving metrics: %v", err)
	}()
}

func status(cfg config.Config, cmd *StatusCmd) error {
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening resume store: %w", err)
	}
	defer store.Close()
	lines := make([]string, len(cmd.Torrent))
	var eg errgroup.Group
	for i, path := range cmd.Torrent {
		eg.Go(func() error {
			t, err := loadTorrent(path, cfg.DataDir)
			if err != nil {
				return err
			}
			defer t.closeFiles()
			ds := resume.StoreFor(store, t.infoHash.HexString())
			var missing []string
			for _, fi := range t.layout.Files {
				if !resume.FileMustExist(ds, t.layout, fi) {
					continue
				}
				if _, err := fi.File.Length(); err != nil {
					missing = append(missing, filepath.Base(fi.Path))
				}
			}
			lines[i] = fmt.Sprintf("%q: complete=%v valid=%v missing=%q",
				t.info.BestName(),
				resume.IsTorrentResumeDataComplete(ds, t.layout.NumPieces()),
				resume.IsTorrentResumeDataValid(ds),
				missing)
			return nil
		})
	}
	err = eg.Wait()
	for _, l := range lines {
		if l != "" {
			fmt.Println(l)
		}
	}
	return err
}

func recheckFile(cfg config.Config, cmd *RecheckFileCmd) error {
	t, err := loadTorrent(cmd.Torrent, cfg.DataDir)
	if err != nil {
		return err
	}
	defer t.closeFiles()
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening resume store: %w", err)
	}
	defer store.Close()
	ds := resume.StoreFor(store, t.infoHash.HexString())
	for _, name := range cmd.File {
		want := filepath.Join(cfg.DataDir, name)
		if t.info.IsDir() {
			want = filepath.Join(cfg.DataDir, t.info.Name, name)
		}
		var target *storage.FileInfo
		for _, fi := range t.layout.Files {
			if fi.Path == want {
				target = fi
				break
			}
		}
		if target == nil {
			return fmt.Errorf("no file %q in torrent", name)
		}
		if cmd.Clear {
			err = resume.ClearResumeData(ds, t.layout, target)
		} else {
			err = resume.RecheckFile(ds, t.layout, target)
		}
		if err != nil {
			return fmt.Errorf("updating resume data for %q: %w", name, err)
		}
	}
	return nil
}
