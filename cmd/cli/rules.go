package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"opsboard/internal/config"
	"opsboard/internal/models"
	"opsboard/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage detection rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored detection rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		engine := services.NewRuleEngine(db, logrus.StandardLogger(), nil)
		rules, err := engine.ListRules(context.Background())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tENABLED\tENTITY TYPES\tSEVERITY\tPRIORITY\tVERSION")
		for _, r := range rules {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%d\t%d\n",
				r.ID, r.Name, r.Enabled, r.EntityTypes, r.Severity, r.Priority, r.Version)
		}
		return w.Flush()
	},
}

var rulesSeedCmd = &cobra.Command{
	Use:   "seed [file.json]",
	Short: "Seed detection rules from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read rules file: %w", err)
		}
		var reqs []services.DetectionRuleRequest
		if err := json.Unmarshal(data, &reqs); err != nil {
			return fmt.Errorf("parse rules file: %w", err)
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		engine := services.NewRuleEngine(db, logrus.StandardLogger(), nil)

		seeded := 0
		for i := range reqs {
			req := reqs[i]
			var existing models.DetectionRule
			if req.ID != "" && db.Where("id = ?", req.ID).First(&existing).Error == nil {
				fmt.Printf("skip %s (exists)\n", req.ID)
				continue
			}
			rule, err := engine.CreateRule(context.Background(), &req)
			if err != nil {
				return fmt.Errorf("rule %d: %w", i, err)
			}
			fmt.Printf("created %s\n", rule.ID)
			seeded++
		}
		fmt.Printf("seeded %d rules\n", seeded)
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesSeedCmd)
	rootCmd.AddCommand(rulesCmd)
}

func openDB() (*gorm.DB, error) {
	cfg := config.Load()
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port)
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return db, nil
}
