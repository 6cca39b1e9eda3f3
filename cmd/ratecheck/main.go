// ratecheck runs the rate-estimation core end to end on random latents and
// prints the resulting bit-per-pixel estimates for both density variants.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/pdevine/tensor"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/perceptic/neuralcodec/hyperprior"
)

func main() {
	var (
		batch     int
		channels  int
		size      int
		mode      string
		lik       string
		seed      uint64
		verbose   bool
		training  bool
		skipGauss bool
		skipDLMM  bool
	)

	rootCmd := &cobra.Command{
		Use:   "ratecheck",
		Short: "Entropy-model smoke check for the neural codec rate core",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			latents := randomLatents(batch, channels, size, seed)

			table := tablewriter.NewWriter(os.Stdout)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeader([]string{"Variant", "Latent nbpp", "Hyper nbpp", "Total nbpp", "Latent qbpp", "Hyper qbpp", "Total qbpp"})

			cfg := hyperprior.Config{
				BottleneckCapacity: channels,
				Mode:               mode,
				LikelihoodType:     lik,
				Seed:               seed,
			}

			if !skipGauss {
				hp, err := hyperprior.NewHyperprior(cfg)
				if err != nil {
					return err
				}
				hp.Train(training)
				if err := appendRow(table, "gaussian/logistic", hp.Forward, latents, size); err != nil {
					return err
				}
			}

			if !skipDLMM {
				hp, err := hyperprior.NewHyperpriorDLMM(cfg)
				if err != nil {
					return err
				}
				hp.Train(training)
				if err := appendRow(table, "dlmm", hp.Forward, latents, size); err != nil {
					return err
				}
			}

			table.Render()
			return nil
		},
	}

	rootCmd.Flags().IntVar(&batch, "batch", 3, "batch size of the random latents")
	rootCmd.Flags().IntVar(&channels, "channels", 8, "latent channel count (bottleneck capacity)")
	rootCmd.Flags().IntVar(&size, "size", 16, "spatial size of the random latents")
	rootCmd.Flags().StringVar(&mode, "mode", "small", "transform width: large or small")
	rootCmd.Flags().StringVar(&lik, "likelihood", "gaussian", "standardized CDF: gaussian or logistic")
	rootCmd.Flags().Uint64Var(&seed, "seed", 42, "seed for latents, noise and initialization")
	rootCmd.Flags().BoolVar(&training, "train", true, "run the training (noisy) path instead of inference")
	rootCmd.Flags().BoolVar(&skipGauss, "skip-gaussian", false, "skip the gaussian/logistic variant")
	rootCmd.Flags().BoolVar(&skipDLMM, "skip-dlmm", false, "skip the mixture variant")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type forwardFunc func(*tensor.Dense, [2]int) (*hyperprior.HyperInfo, error)

func appendRow(table *tablewriter.Table, name string, forward forwardFunc, latents *tensor.Dense, size int) error {
	padded, err := hyperprior.PadFactor(latents, 4)
	if err != nil {
		return err
	}
	shape := padded.Shape()
	slog.Debug("forward", "variant", name, "shape", fmt.Sprint(shape))

	info, err := forward(padded, [2]int{size, size})
	if err != nil {
		return err
	}
	slog.Info("decoded", "variant", name, "shape", fmt.Sprint(info.Decoded.Shape()))

	table.Append([]string{
		name,
		fmt.Sprintf("%.4f", info.LatentNBPP),
		fmt.Sprintf("%.4f", info.HyperlatentNBPP),
		fmt.Sprintf("%.4f", info.TotalNBPP),
		fmt.Sprintf("%.4f", info.LatentQBPP),
		fmt.Sprintf("%.4f", info.HyperlatentQBPP),
		fmt.Sprintf("%.4f", info.TotalQBPP),
	})
	return nil
}

func randomLatents(batch, channels, size int, seed uint64) *tensor.Dense {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)}
	backing := make([]float32, batch*channels*size*size)
	for i := range backing {
		backing[i] = float32(normal.Rand())
	}
	return tensor.New(tensor.WithShape(batch, channels, size, size), tensor.WithBacking(backing))
}
