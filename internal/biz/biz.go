package biz

import (
	"github.com/devricklin/autoreply/internal/biz/usecase"
)

// Usecases contains all usecases
type Usecases struct {
	Native *usecase.NativeUsecase
	Intake *usecase.IntakeUsecase
}
