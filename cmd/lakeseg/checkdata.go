package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/sugarme/lakeseg/lake"
	"github.com/sugarme/lakeseg/pipeline"
	"github.com/sugarme/lakeseg/train"
)

var (
	checkdataConfig  string
	checkdataBatches int
)

var checkdataCmd = &cobra.Command{
	Use:   "checkdata",
	Short: "Build the configured train loader and print a few batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := train.LoadConfig(checkdataConfig)
		if err != nil {
			return err
		}
		if cfg.Data.Train == nil || cfg.Data.Train.Path == "" {
			return fmt.Errorf("config has no data.train.path")
		}

		ds, err := lake.Open(cfg.Data.Train.Path)
		if err != nil {
			return err
		}

		images, masks, err := resolveTensors(ds, cfg.Data.Train.Tensors)
		if err != nil {
			return err
		}

		loader, sd, err := train.BuildDataLoader(ds, images, masks, cfg.TrainPipeline, cfg.DataloaderType, train.LoaderConfig{
			BatchSize:       cfg.Data.SamplesPerGPU,
			NumWorkers:      cfg.Data.WorkersPerGPU,
			Shuffle:         true,
			Seed:            cfg.Seed,
			Mode:            "train",
			IgnoreIndex:     *cfg.IgnoreIndex,
			ReduceZeroLabel: cfg.ReduceZeroLabel,
			ToBGR:           *cfg.ToBGR,
		})
		if err != nil {
			return err
		}

		log.Printf("dataset %v: %v samples, %v batches, classes %v", cfg.Data.Train.Path, sd.Len(), loader.Len(), sd.Classes())

		for i := 0; i < checkdataBatches && loader.HasNext(); i++ {
			batch, err := loader.Next()
			if err != nil {
				return err
			}
			samples, ok := batch.([]*pipeline.Sample)
			if !ok {
				return fmt.Errorf("unexpected batch type %T", batch)
			}

			fmt.Printf("batch %d: %d samples\n", i, len(samples))
			for j, s := range samples {
				if j >= 2 {
					break
				}
				imgSize := s.Img.MustSize()
				line := fmt.Sprintf("  sample %d: img %v", j, imgSize)
				if s.GtSegMap != nil {
					line += fmt.Sprintf(", mask %v", s.GtSegMap.MustSize())
				}
				fmt.Println(line)
			}
			for _, s := range samples {
				s.Drop()
			}
		}

		return nil
	},
}

func init() {
	checkdataCmd.Flags().StringVar(&checkdataConfig, "config", "config.yaml", "training config file")
	checkdataCmd.Flags().IntVar(&checkdataBatches, "batches", 2, "number of batches to print")
}

// resolveTensors maps tensor roles to names, falling back to htype
// lookup.
func resolveTensors(ds *lake.Dataset, roles map[string]string) (images, masks string, err error) {
	images = roles[train.RoleImage]
	masks = roles[train.RoleMask]
	if images == "" {
		images, err = lake.FindTensorWithHtype(ds, lake.HtypeImage, train.RoleImage)
		if err != nil {
			return "", "", err
		}
	}
	if masks == "" {
		masks, err = lake.FindTensorWithHtype(ds, lake.HtypeSegmentMask, train.RoleMask)
		if err != nil {
			return "", "", err
		}
	}
	return images, masks, nil
}
