package config

import (
	"github.com/anacrolix/diskio"
	"github.com/anacrolix/diskio/resume"
)

type DiskConfig struct {
	ReadLanes      int   `mapstructure:"read_lanes" validate:"min=1,max=1024"`
	WriteLanes     int   `mapstructure:"write_lanes" validate:"min=1,max=1024"`
	WorkersPerLane int   `mapstructure:"workers_per_lane" validate:"min=1,max=64"`
	MaxQueuedMiB   int64 `mapstructure:"max_queued_mib" validate:"min=1"`
	Aggregation    bool  `mapstructure:"aggregation"`
	BufferPoolMiB  int64 `mapstructure:"buffer_pool_mib" validate:"min=0"`
}

type Config struct {
	// Where torrent data is.
	DataDir string `mapstructure:"data_dir" validate:"required"`
	// Where resume data is kept.
	StateDir          string        `mapstructure:"state_dir" validate:"required"`
	Store             string        `mapstructure:"store" validate:"oneof=default bolt sqlite file memory"`
	MaxActiveRechecks int           `mapstructure:"max_active_rechecks" validate:"min=1,max=64"`
	CheckConcurrency  int           `mapstructure:"check_concurrency" validate:"min=1,max=256"`
	Disk              DiskConfig    `mapstructure:"disk"`
	Resume            resume.Config `mapstructure:"resume"`
}

// Applies the disk settings over cfg.
func (me DiskConfig) Apply(cfg *diskio.ControllerConfig) {
	cfg.Read.Lanes = me.ReadLanes
	cfg.Write.Lanes = me.WriteLanes
	for _, d := range []*diskio.DirectionConfig{&cfg.Read, &cfg.Write} {
		d.WorkersPerLane = me.WorkersPerLane
		d.MaxQueuedMiB = me.MaxQueuedMiB
		d.Aggregation = me.Aggregation
	}
	cfg.BufferPoolLimit = me.BufferPoolMiB << 20
}

func setDefaults(set func(key string, value any)) {
	def := diskio.DefaultControllerConfig()
	set("data_dir", ".")
	set("state_dir", ".diskio")
	set("store", "default")
	set("max_active_rechecks", 1)
	set("check_concurrency", 4)
	set("disk.read_lanes", def.Read.Lanes)
	set("disk.write_lanes", def.Write.Lanes)
	set("disk.workers_per_lane", def.Read.WorkersPerLane)
	set("disk.max_queued_mib", def.Read.MaxQueuedMiB)
	set("disk.aggregation", def.Read.Aggregation)
	set("disk.buffer_pool_mib", def.BufferPoolLimit>>20)
}
