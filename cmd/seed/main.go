package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stemsi/certexam-backend/internal/config"
	"github.com/stemsi/certexam-backend/internal/database"
	"github.com/stemsi/certexam-backend/internal/logger"
	"github.com/stemsi/certexam-backend/internal/model"
	"github.com/stemsi/certexam-backend/internal/repository"
	"github.com/stemsi/certexam-backend/internal/service"
)

type sampleQuestion struct {
	text       string
	choices    []string
	answer     int
	difficulty model.Difficulty
}

// Three per difficulty so a nine-question draw is fully balanced.
var samples = []sampleQuestion{
	{"What is 2 + 2?", []string{"1", "2", "3", "4"}, 3, model.DifficultyEasy},
	{"What is the capital of France?", []string{"Berlin", "Paris", "Madrid", "Rome"}, 1, model.DifficultyEasy},
	{"Which of these is a built-in Go type?", []string{"list", "map", "array_list", "table"}, 1, model.DifficultyEasy},
	{"What does HTTP stand for?", []string{"HyperText Transfer Protocol", "HighText Transfer", "Hyper Transfer Protocol", "Home Transfer"}, 0, model.DifficultyMedium},
	{"Which SQL statement is used to create a table?", []string{"CREATE", "INSERT", "UPDATE", "DROP"}, 0, model.DifficultyMedium},
	{"What is Big-O of binary search?", []string{"O(n)", "O(log n)", "O(n log n)", "O(1)"}, 1, model.DifficultyMedium},
	{"Which sorting algorithm is in-place and unstable?", []string{"Merge Sort", "Quick Sort", "Insertion Sort", "Bubble Sort"}, 1, model.DifficultyHard},
	{"What does len(make([]int, 3, 10)) return in Go?", []string{"3", "10", "13", "0"}, 0, model.DifficultyHard},
	{"In distributed systems, the CAP theorem states:", []string{"Consistency, Availability, Partition tolerance (choose two)", "Capacity, Availability, Persistence", "Consistency, Access, Partition", "Connect, Apply, Persist"}, 0, model.DifficultyHard},
}

func main() {
	var (
		email      string
		adminEmail string
		title      string
		minutes    int
	)
	flag.StringVar(&email, "email", "candidate@example.com", "Candidate email to assign the sample exam to")
	flag.StringVar(&adminEmail, "admin-email", "admin@example.com", "Admin email for the printed admin token")
	flag.StringVar(&title, "title", "Sample Certification Exam", "Template title")
	flag.IntVar(&minutes, "minutes", 30, "Time allowed in minutes")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, "certexam-seed")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	authService := service.NewAuthService(cfg)
	email = service.NormalizeEmail(email)

	fmt.Println("=== Seeding sample exam ===")

	tpl := &model.ExamTemplate{
		Title:           title,
		Language:        "en",
		QuestionCount:   len(samples),
		TimeAllowedSecs: minutes * 60,
		IsActive:        true,
		CreatedBy:       service.NormalizeEmail(adminEmail),
	}

	// Template, catalog and assignment land together or not at all.
	err = pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		repo := repository.NewTemplateRepository(tx)
		if err := repo.CreateTemplate(ctx, tpl); err != nil {
			return fmt.Errorf("create template: %w", err)
		}
		for _, s := range samples {
			d := s.difficulty
			q := &model.Question{
				TemplateID:  &tpl.ID,
				Text:        s.text,
				Choices:     s.choices,
				AnswerIndex: s.answer,
				Difficulty:  &d,
			}
			if err := repo.CreateQuestion(ctx, q); err != nil {
				return fmt.Errorf("create question: %w", err)
			}
		}
		return repo.UpsertAssignment(ctx, &model.Assignment{TemplateID: tpl.ID, CandidateEmail: email})
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Seeding failed")
	}

	fmt.Printf("Created template %q (%s) with %d questions\n", tpl.Title, tpl.ID, len(samples))
	fmt.Printf("Assigned to %s\n", email)

	candidateToken, err := authService.IssueToken(email, service.TokenTypeCandidate)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue candidate token")
	}
	adminToken, err := authService.IssueToken(service.NormalizeEmail(adminEmail), service.TokenTypeAdmin)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue admin token")
	}

	fmt.Println()
	fmt.Println("Candidate token:")
	fmt.Println(candidateToken)
	fmt.Println()
	fmt.Println("Admin token:")
	fmt.Println(adminToken)
	fmt.Println()
	fmt.Printf("Start with: POST /api/v1/candidate/exams/%s/start\n", tpl.ID)
}
