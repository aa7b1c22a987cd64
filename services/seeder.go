package services

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/voicelearn/backend/logger"
	"github.com/voicelearn/backend/models"
	"github.com/voicelearn/backend/repository"
)

// SeedFile describes the organizations, users and categories to create on startup.
type SeedFile struct {
	SuperAdmins   []SeedUser         `yaml:"super_admins"`
	Organizations []SeedOrganization `yaml:"organizations"`
}

type SeedOrganization struct {
	Name        string         `yaml:"name"`
	MinuteLimit int            `yaml:"minute_limit"`
	Users       []SeedUser     `yaml:"users"`
	Categories  []SeedCategory `yaml:"categories"`
}

type SeedUser struct {
	Email    string      `yaml:"email"`
	Password string      `yaml:"password"`
	FullName string      `yaml:"full_name"`
	Role     models.Role `yaml:"role"`
}

type SeedCategory struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeedFile(data)
}

func ParseSeedFile(data []byte) (*SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed yaml: %w", err)
	}
	for _, org := range f.Organizations {
		if strings.TrimSpace(org.Name) == "" {
			return nil, fmt.Errorf("seed organization without a name")
		}
		for _, u := range org.Users {
			if u.Role == models.RoleSuperAdmin {
				return nil, fmt.Errorf("seed user %s: super admins belong under super_admins", u.Email)
			}
		}
	}
	return &f, nil
}

// DatabaseSeeder applies a SeedFile. Records that already exist are left
// untouched, so seeding on every boot is safe.
type DatabaseSeeder struct {
	repo *repository.GORMRepository
	log  *logger.Logger
}

func NewDatabaseSeeder(repo *repository.GORMRepository, log *logger.Logger) *DatabaseSeeder {
	return &DatabaseSeeder{repo: repo, log: log.With("component", "seeder")}
}

func (s *DatabaseSeeder) SeedDatabase(ctx context.Context, f *SeedFile) error {
	for _, u := range f.SuperAdmins {
		u.Role = models.RoleSuperAdmin
		if err := s.seedUser(ctx, u, ""); err != nil {
			return err
		}
	}

	for _, o := range f.Organizations {
		org, err := s.seedOrganization(ctx, o)
		if err != nil {
			return err
		}
		for _, u := range o.Users {
			if u.Role == "" {
				u.Role = models.RoleStudent
			}
			if err := s.seedUser(ctx, u, org.ID); err != nil {
				return err
			}
		}
		if err := s.seedCategories(ctx, org.ID, o.Categories); err != nil {
			return err
		}
	}

	s.log.Info("Database seeding completed",
		"organizations", len(f.Organizations),
		"super_admins", len(f.SuperAdmins))
	return nil
}

func (s *DatabaseSeeder) seedOrganization(ctx context.Context, o SeedOrganization) (*models.Organization, error) {
	existing, err := s.repo.GetOrganizationByName(ctx, o.Name)
	if err != nil {
		return nil, fmt.Errorf("check organization %s: %w", o.Name, err)
	}
	if existing != nil {
		return existing, nil
	}

	org := &models.Organization{Name: o.Name, MinuteLimit: o.MinuteLimit}
	if err := s.repo.CreateOrganization(ctx, org); err != nil {
		return nil, fmt.Errorf("create organization %s: %w", o.Name, err)
	}
	s.log.Info("Seeded organization", "name", org.Name, "organization_id", org.ID)
	return org, nil
}

func (s *DatabaseSeeder) seedUser(ctx context.Context, u SeedUser, organizationID string) error {
	if !u.Role.Valid() {
		return fmt.Errorf("seed user %s: unknown role %q", u.Email, u.Role)
	}

	existing, err := s.repo.GetUserByEmail(ctx, u.Email)
	if err != nil {
		return fmt.Errorf("check user %s: %w", u.Email, err)
	}
	if existing != nil {
		s.log.Debug("Seed user already exists", "email", u.Email)
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	user := &models.User{
		Email:    u.Email,
		Password: string(hash),
		FullName: u.FullName,
		Role:     u.Role,
	}

	if organizationID == "" {
		err = s.repo.CreateUser(ctx, user)
	} else {
		err = s.repo.CreateUserInOrganization(ctx, user, organizationID)
	}
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.Email, err)
	}
	s.log.Info("Seeded user", "email", user.Email, "role", user.Role)
	return nil
}

func (s *DatabaseSeeder) seedCategories(ctx context.Context, organizationID string, categories []SeedCategory) error {
	if len(categories) == 0 {
		return nil
	}
	existing, err := s.repo.ListCategories(ctx, organizationID)
	if err != nil {
		return fmt.Errorf("list categories: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c.Name] = true
	}

	for _, c := range categories {
		if have[c.Name] {
			continue
		}
		category := &models.Category{Name: c.Name, Description: c.Description, OrganizationID: organizationID}
		if err := s.repo.CreateCategory(ctx, category); err != nil {
			return fmt.Errorf("create category %s: %w", c.Name, err)
		}
	}
	return nil
}
