package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashare-data/etld/internal/pipeline"
	"github.com/ashare-data/etld/internal/scheduler"
	"github.com/ashare-data/etld/internal/stage"
	"github.com/ashare-data/etld/pkg/config"
)

var servePipelinesFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the three named pipelines on their cron schedules until interrupted",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&servePipelinesFile, "pipelines-file", "config/pipelines.yaml", "path to pipelines.yaml")
}

// scheduleSpecs pins each named pipeline to the cron schedule its
// original_source counterpart ran on: afternoon_core at 17:00, evening
// enhancement at 20:00, and the T+1 morning repair at 08:30, all local time.
func scheduleSpecs() map[string]string {
	return map[string]string{
		"afternoon_core":      "0 17 * * 1-5",
		"evening_enhancement": "0 20 * * 1-5",
		"morning_repair":      "30 8 * * 1-5",
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt, reg, err := buildRuntimeAndRegistry(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	fileCfg, err := pipeline.LoadFileConfig(servePipelinesFile)
	if err != nil {
		return err
	}

	runner := stage.New(rt.Clock, rt.Watermarks, rt.Guard, rt.Log)
	coordinator := pipeline.New(runner, rt.Watermarks, rt.Clock, rt.Log, nil)
	sched := scheduler.New(coordinator, rt.Log)

	specs := scheduleSpecs()
	for name, pc := range fileCfg.Pipelines {
		cronSpec, ok := specs[name]
		if !ok {
			rt.Log.WithField("pipeline", name).Warn("no cron schedule configured for pipeline, skipping")
			continue
		}
		def, err := pipeline.Resolve(name, pc, reg)
		if err != nil {
			return err
		}
		job := scheduler.Job{Name: name, CronSpec: cronSpec, Definition: def, MarketCloseOffset: marketCloseOffset()}
		if err := sched.AddJob(job); err != nil {
			return err
		}
	}

	sched.Start()
	fmt.Println("scheduler started, registered jobs:")
	for _, name := range sched.JobNames() {
		fmt.Printf("  - %s\n", name)
	}
	fmt.Println("press Ctrl+C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	fmt.Println("shutting down scheduler...")
	sched.Stop()
	return nil
}
