package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"citylibrary/pkg/domain"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 42170311

const defaultPendingLimit = 100

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&BookModel{}, &IdentityModel{}, &ReviewModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := tx.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'review_models'
				AND constraint_name = 'review_models_book_id_fkey'
			) THEN
				ALTER TABLE review_models
				ADD CONSTRAINT review_models_book_id_fkey
				FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'review_models'
				AND constraint_name = 'review_models_identity_id_fkey'
			) THEN
				ALTER TABLE review_models
				ADD CONSTRAINT review_models_identity_id_fkey
				FOREIGN KEY (identity_id) REFERENCES identity_models(id);
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'review_models'
				AND constraint_name = 'review_models_rating_check'
			) THEN
				ALTER TABLE review_models
				ADD CONSTRAINT review_models_rating_check CHECK (rating BETWEEN 1 AND 5);
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure review constraints: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveBook inserts or updates a catalog entry. The catalog is owned elsewhere;
// this exists for seeding and tests.
func (s *GormStore) SaveBook(ctx context.Context, b domain.Book) (domain.Book, error) {
	model := bookToModel(b)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "author"}),
	}).Create(&model).Error
	if err != nil {
		return domain.Book{}, err
	}
	return bookFromModel(model), nil
}

// GetBook returns a book by ID.
func (s *GormStore) GetBook(ctx context.Context, id int64) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// SaveRegisteredIdentity upserts an account projection. Accounts are owned by
// the account system; the review service only reads them.
func (s *GormStore) SaveRegisteredIdentity(ctx context.Context, r domain.RegisteredIdentity) error {
	model := IdentityModel{
		ID:          r.ID,
		Kind:        string(domain.IdentityRegistered),
		DisplayName: r.DisplayName,
		ContactKey:  r.ContactKey,
		Role:        string(r.Role),
		CreatedAt:   time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "contact_key", "role"}),
	}).Create(&model).Error
}

// GetIdentity returns an identity of either kind by ID.
func (s *GormStore) GetIdentity(ctx context.Context, id string) (domain.Identity, bool, error) {
	return s.findIdentity(ctx, "id = ?", id)
}

// GetIdentityByContactKey returns the identity owning contactKey.
func (s *GormStore) GetIdentityByContactKey(ctx context.Context, contactKey string) (domain.Identity, bool, error) {
	return s.findIdentity(ctx, "contact_key = ?", contactKey)
}

func (s *GormStore) findIdentity(ctx context.Context, cond string, arg any) (domain.Identity, bool, error) {
	var model IdentityModel
	if err := s.db.WithContext(ctx).Where(cond, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return identityFromModel(model), true, nil
}

// CreateOrGetGuest inserts the guest with ON CONFLICT (contact_key) DO NOTHING
// and reads back the winning row when the insert lost the race.
func (s *GormStore) CreateOrGetGuest(ctx context.Context, guest domain.GuestIdentity) (domain.Identity, bool, error) {
	key := strings.TrimSpace(guest.ContactKey)
	if key == "" {
		return nil, false, ErrInvalidContactKey
	}
	model := IdentityModel{
		ID:          guest.ID,
		Kind:        string(domain.IdentityGuest),
		DisplayName: guest.DisplayName,
		ContactKey:  key,
		Role:        string(domain.RoleUser),
		CreatedAt:   time.Now().UTC(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "contact_key"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return identityFromModel(model), true, nil
	}
	existing, ok, err := s.GetIdentityByContactKey(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("fetch identity after conflict: %w", err)
	}
	if !ok {
		return nil, false, fmt.Errorf("identity for contact key disappeared after conflict")
	}
	return existing, false, nil
}

// CreateReview inserts a review in the pending state.
func (s *GormStore) CreateReview(ctx context.Context, r domain.Review) (domain.Review, error) {
	r = prepareNewReview(r)
	model, err := reviewToModel(r)
	if err != nil {
		return domain.Review{}, err
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Review{}, err
	}
	return r, nil
}

// GetReview returns a review by ID.
func (s *GormStore) GetReview(ctx context.Context, id string) (domain.Review, bool, error) {
	var model ReviewModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Review{}, false, nil
		}
		return domain.Review{}, false, err
	}
	return reviewFromModel(model), true, nil
}

// ListApprovedReviews returns approved reviews for a book, newest first.
func (s *GormStore) ListApprovedReviews(ctx context.Context, bookID int64) ([]domain.ReviewView, error) {
	return s.listReviewViews(ctx, 0, "r.created_at DESC", "r.book_id = ? AND r.status = ?", bookID, string(domain.ReviewApproved))
}

// ListPendingReviews returns reviews awaiting moderation, oldest first.
func (s *GormStore) ListPendingReviews(ctx context.Context, limit int) ([]domain.ReviewView, error) {
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	return s.listReviewViews(ctx, limit, "r.created_at ASC", "r.status = ?", string(domain.ReviewPending))
}

func (s *GormStore) listReviewViews(ctx context.Context, limit int, order string, cond string, args ...any) ([]domain.ReviewView, error) {
	var rows []reviewRow
	tx := s.db.WithContext(ctx).
		Table("review_models AS r").
		Select("r.id, r.book_id, i.display_name, r.rating, r.body, r.status, r.created_at").
		Joins("JOIN identity_models AS i ON i.id = r.identity_id").
		Where(cond, args...).
		Order(order).
		Order("r.id DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Scan(&rows).Error; err != nil {
		return nil, err
	}
	views := make([]domain.ReviewView, 0, len(rows))
	for _, row := range rows {
		views = append(views, domain.ReviewView{
			ID:          row.ID,
			BookID:      row.BookID,
			DisplayName: row.DisplayName,
			Rating:      row.Rating,
			Body:        row.Body,
			Status:      domain.ReviewStatus(row.Status),
			CreatedAt:   row.CreatedAt,
		})
	}
	return views, nil
}

// SetReviewStatus applies a moderation decision with a conditional UPDATE so
// two moderators racing on the same review cannot both succeed.
func (s *GormStore) SetReviewStatus(ctx context.Context, id string, next domain.ReviewStatus) (domain.Review, error) {
	from := domain.SourcesOf(next)
	if len(from) > 0 {
		sources := make([]string, 0, len(from))
		for _, status := range from {
			sources = append(sources, string(status))
		}
		res := s.db.WithContext(ctx).Model(&ReviewModel{}).
			Where("id = ? AND status IN ?", id, sources).
			Updates(map[string]any{
				"status":     string(next),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return domain.Review{}, res.Error
		}
		if res.RowsAffected == 1 {
			review, ok, err := s.GetReview(ctx, id)
			if err != nil {
				return domain.Review{}, err
			}
			if !ok {
				return domain.Review{}, ErrReviewNotFound
			}
			return review, nil
		}
	}
	_, ok, err := s.GetReview(ctx, id)
	if err != nil {
		return domain.Review{}, err
	}
	if !ok {
		return domain.Review{}, ErrReviewNotFound
	}
	return domain.Review{}, ErrInvalidTransition
}

func prepareNewReview(r domain.Review) domain.Review {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = r.CreatedAt
	r.Status = domain.ReviewPending
	return r
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:        b.ID,
		Title:     b.Title,
		Author:    b.Author,
		CreatedAt: b.CreatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:        m.ID,
		Title:     m.Title,
		Author:    m.Author,
		CreatedAt: m.CreatedAt,
	}
}

func identityFromModel(m IdentityModel) domain.Identity {
	if domain.IdentityKind(m.Kind) == domain.IdentityRegistered {
		role := domain.UserRole(m.Role)
		if role == "" {
			role = domain.RoleUser
		}
		return domain.RegisteredIdentity{
			ID:          m.ID,
			DisplayName: m.DisplayName,
			ContactKey:  m.ContactKey,
			Role:        role,
		}
	}
	return domain.GuestIdentity{
		ID:          m.ID,
		DisplayName: m.DisplayName,
		ContactKey:  m.ContactKey,
	}
}

func reviewToModel(r domain.Review) (ReviewModel, error) {
	submission, err := json.Marshal(r.Submission)
	if err != nil {
		return ReviewModel{}, fmt.Errorf("marshal submission context: %w", err)
	}
	return ReviewModel{
		ID:         r.ID,
		BookID:     r.BookID,
		IdentityID: r.IdentityID,
		Rating:     r.Rating,
		Body:       r.Body,
		Status:     string(r.Status),
		Submission: submission,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

func reviewFromModel(m ReviewModel) domain.Review {
	var submission domain.SubmissionContext
	if len(m.Submission) > 0 {
		if err := json.Unmarshal(m.Submission, &submission); err != nil {
			slog.Warn("decode review submission context failed", "review_id", m.ID, "err", err)
			submission = domain.SubmissionContext{}
		}
	}
	return domain.Review{
		ID:         m.ID,
		BookID:     m.BookID,
		IdentityID: m.IdentityID,
		Rating:     m.Rating,
		Body:       m.Body,
		Status:     domain.ReviewStatus(m.Status),
		Submission: submission,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}
