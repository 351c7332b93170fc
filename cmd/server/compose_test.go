package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

type composeDocument struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Profiles    []string          `yaml:"profiles"`
	Build       *composeBuildSpec `yaml:"build"`
	Image       string            `yaml:"image"`
	Environment map[string]string `yaml:"environment"`
	DependsOn   []string          `yaml:"depends_on"`
}

type composeBuildSpec struct {
	Context string `yaml:"context"`
}

func TestComposeProfilesProvideLocalAndImageVariants(t *testing.T) {
	t.Helper()

	documentData, readErr := os.ReadFile(filepath.Join("..", "..", "docker-compose.yaml"))
	if readErr != nil {
		t.Fatalf("failed to read docker-compose.yaml: %v", readErr)
	}
	var document composeDocument
	if unmarshalErr := yaml.Unmarshal(documentData, &document); unmarshalErr != nil {
		t.Fatalf("failed to parse docker-compose.yaml: %v", unmarshalErr)
	}

	localService, localExists := document.Services["capsule-dev"]
	if !localExists {
		t.Fatalf("compose file missing capsule-dev service")
	}
	assertProfileContains(t, localService.Profiles, "dev", "capsule-dev")
	if localService.Build == nil || localService.Build.Context == "" {
		t.Fatalf("capsule-dev should define a build context for local development")
	}
	if localService.Image != "" {
		t.Fatalf("capsule-dev should not specify an image because it builds locally")
	}

	imageService, imageExists := document.Services["capsule"]
	if !imageExists {
		t.Fatalf("compose file missing capsule service for docker profile")
	}
	assertProfileContains(t, imageService.Profiles, "docker", "capsule")
	if !strings.HasPrefix(imageService.Image, "ghcr.io/") {
		t.Fatalf("capsule docker profile should pull image from ghcr.io, got %q", imageService.Image)
	}
	if imageService.Build != nil {
		t.Fatalf("capsule docker profile should not include build configuration")
	}

	for name, service := range map[string]composeService{"capsule-dev": localService, "capsule": imageService} {
		if service.Environment["DATABASE_DRIVER"] != "postgres" {
			t.Fatalf("%s should run against postgres, got %q", name, service.Environment["DATABASE_DRIVER"])
		}
		if !strings.HasPrefix(service.Environment["DATABASE_DSN"], "postgres://") {
			t.Fatalf("%s has unexpected DATABASE_DSN %q", name, service.Environment["DATABASE_DSN"])
		}
		assertProfileContains(t, service.DependsOn, "postgres", name+" depends_on")
	}
}

func assertProfileContains(t *testing.T, profiles []string, expectedProfile string, serviceName string) {
	t.Helper()

	for _, profile := range profiles {
		if profile == expectedProfile {
			return
		}
	}
	t.Fatalf("%s service is missing %q entry", serviceName, expectedProfile)
}
