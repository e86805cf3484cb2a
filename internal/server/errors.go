package server

import (
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"

	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/identity"
	"github.com/mthdroid/moltpredict-skill/internal/ingestion"
	"github.com/mthdroid/moltpredict-skill/internal/state"
)

// errorKind is the transport-neutral classification of a failed request.
type errorKind struct {
	code       string // machine-readable, e.g. MARKET_NOT_OPEN
	httpStatus int
	grpcCode   codes.Code
}

func classify(err error) errorKind {
	switch {
	case errors.Is(err, core.ErrDuplicateRequest):
		return errorKind{"DUPLICATE_REQUEST", http.StatusConflict, codes.AlreadyExists}
	case errors.Is(err, ingestion.ErrSignatureRequired),
		errors.Is(err, ingestion.ErrSignatureExpired),
		errors.Is(err, identity.ErrInvalidSignature),
		errors.Is(err, identity.ErrSignerMismatch):
		return errorKind{"UNAUTHENTICATED", http.StatusUnauthorized, codes.Unauthenticated}
	case errors.Is(err, identity.ErrInvalidAddress),
		errors.Is(err, ingestion.ErrMalformed):
		return errorKind{"INVALID_REQUEST", http.StatusBadRequest, codes.InvalidArgument}
	case errors.Is(err, core.ErrEngineClosed):
		return errorKind{"SHUTTING_DOWN", http.StatusServiceUnavailable, codes.Unavailable}
	case errors.Is(err, core.ErrEscrow):
		return errorKind{"ESCROW_UNAVAILABLE", http.StatusBadGateway, codes.Unavailable}
	}

	code := state.Code(err)
	switch state.Classify(err) {
	case state.CategoryInput:
		if errors.Is(err, state.ErrNotFound) {
			return errorKind{code, http.StatusNotFound, codes.NotFound}
		}
		return errorKind{code, http.StatusBadRequest, codes.InvalidArgument}
	case state.CategoryConflict:
		return errorKind{code, http.StatusConflict, codes.FailedPrecondition}
	case state.CategoryAuthorization:
		return errorKind{code, http.StatusForbidden, codes.PermissionDenied}
	case state.CategoryStructural:
		return errorKind{code, http.StatusUnprocessableEntity, codes.FailedPrecondition}
	default:
		return errorKind{"INTERNAL", http.StatusInternalServerError, codes.Internal}
	}
}

func (k errorKind) title() string {
	return strings.ToLower(k.code)
}
