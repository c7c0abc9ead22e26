package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/campaign-dispatch/internal/domain"
	"github.com/kursadbilgin/campaign-dispatch/internal/recipient"
	"github.com/kursadbilgin/campaign-dispatch/internal/service"
	"github.com/kursadbilgin/campaign-dispatch/internal/transport"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 500
	maxUploadBytes  = 2 << 20

	headerTotalCount = "X-Total-Count"
)

type CampaignService interface {
	Schedule(ctx context.Context, ownerID string, in service.ScheduleInput) (*service.ScheduleResult, error)
	ListScheduled(ctx context.Context, ownerID string, page int, pageSize int) ([]domain.Email, int64, error)
	ListSent(ctx context.Context, ownerID string, page int, pageSize int) ([]domain.Email, int64, error)
	GetSummary(ctx context.Context, ownerID string, campaignID string) (*domain.CampaignSummary, error)
	Cancel(ctx context.Context, ownerID string, campaignID string) (int64, error)
	ParseRecipients(raw string) (recipient.Result, error)
}

type CampaignHandler struct {
	service  CampaignService
	validate *validator.Validate
}

func NewCampaignHandler(service CampaignService) (*CampaignHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("campaign service is required")
	}
	return &CampaignHandler{service: service, validate: validator.New()}, nil
}

func RegisterCampaignRoutes(router fiber.Router, service CampaignService, auth fiber.Handler) error {
	h, err := NewCampaignHandler(service)
	if err != nil {
		return err
	}

	api := router.Group("/api")
	if auth != nil {
		api.Use(auth)
	}
	api.Post("/emails/schedule", h.ScheduleEmails)
	api.Get("/emails/scheduled", h.ListScheduled)
	api.Get("/emails/sent", h.ListSent)
	api.Post("/recipients/parse", h.ParseRecipients)
	api.Get("/campaigns/:id", h.GetCampaign)
	api.Post("/campaigns/:id/cancel", h.CancelCampaign)

	return nil
}

type scheduleRequest struct {
	Subject            string   `json:"subject" validate:"required,max=998"`
	Body               string   `json:"body" validate:"required,max=100000"`
	Emails             []string `json:"emails" validate:"required,min=1"`
	StartTime          string   `json:"startTime" validate:"required"`
	DelayBetweenEmails *int     `json:"delayBetweenEmails" validate:"omitempty,min=0,max=86400"`
	HourlyLimit        *int     `json:"hourlyLimit" validate:"omitempty,min=1"`
}

type scheduleResponse struct {
	Success    bool   `json:"success"`
	Count      int    `json:"count"`
	CampaignID string `json:"campaignId"`
	Discarded  int    `json:"discarded"`
}

type emailResponse struct {
	ID          string     `json:"id"`
	To          string     `json:"to"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
	Status      string     `json:"status"`
	Sender      string     `json:"sender,omitempty"`
	CampaignID  string     `json:"campaignId"`
	Attempts    int        `json:"attempts"`
}

type parseRecipientsResponse struct {
	Emails     []string `json:"emails"`
	Count      int      `json:"count"`
	Discarded  int      `json:"discarded"`
	Duplicates int      `json:"duplicates"`
}

type campaignResponse struct {
	ID           string           `json:"id"`
	Subject      string           `json:"subject"`
	Body         string           `json:"body"`
	Sender       string           `json:"sender"`
	StartTime    time.Time        `json:"startTime"`
	DelaySeconds int              `json:"delayBetweenEmails"`
	HourlyLimit  int              `json:"hourlyLimit"`
	TotalCount   int              `json:"totalCount"`
	CreatedAt    time.Time        `json:"createdAt"`
	Counts       []statusCountDTO `json:"counts"`
}

type statusCountDTO struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

func (h *CampaignHandler) ScheduleEmails(c *fiber.Ctx) error {
	var req scheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return toHTTPError(validationError(err))
	}

	result, err := h.service.Schedule(c.Context(), transport.OwnerID(c), service.ScheduleInput{
		Subject:      req.Subject,
		Body:         req.Body,
		Recipients:   req.Emails,
		StartTime:    req.StartTime,
		DelaySeconds: req.DelayBetweenEmails,
		HourlyLimit:  req.HourlyLimit,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(scheduleResponse{
		Success:    true,
		Count:      result.Count,
		CampaignID: result.Campaign.ID,
		Discarded:  result.Discarded,
	})
}

func (h *CampaignHandler) ListScheduled(c *fiber.Ctx) error {
	return h.list(c, h.service.ListScheduled)
}

func (h *CampaignHandler) ListSent(c *fiber.Ctx) error {
	return h.list(c, h.service.ListSent)
}

type listFunc func(ctx context.Context, ownerID string, page int, pageSize int) ([]domain.Email, int64, error)

func (h *CampaignHandler) list(c *fiber.Ctx, fetch listFunc) error {
	page, pageSize, err := parsePaging(c)
	if err != nil {
		return toHTTPError(err)
	}

	emails, total, err := fetch(c.Context(), transport.OwnerID(c), page, pageSize)
	if err != nil {
		return toHTTPError(err)
	}

	c.Set(headerTotalCount, strconv.FormatInt(total, 10))
	return c.Status(fiber.StatusOK).JSON(toEmailResponses(emails))
}

// ParseRecipients accepts either a multipart "file" upload or the raw list as the request body.
func (h *CampaignHandler) ParseRecipients(c *fiber.Ctx) error {
	raw, err := recipientsPayload(c)
	if err != nil {
		return toHTTPError(err)
	}

	result, err := h.service.ParseRecipients(raw)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(parseRecipientsResponse{
		Emails:     result.Addresses,
		Count:      len(result.Addresses),
		Discarded:  result.Discarded,
		Duplicates: result.Duplicates,
	})
}

func (h *CampaignHandler) GetCampaign(c *fiber.Ctx) error {
	summary, err := h.service.GetSummary(c.Context(), transport.OwnerID(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}

	counts := service.SortedCounts(summary.Counts)
	items := make([]statusCountDTO, 0, len(counts))
	for _, count := range counts {
		items = append(items, statusCountDTO{Status: count.Status.String(), Count: count.Count})
	}

	campaign := summary.Campaign
	return c.Status(fiber.StatusOK).JSON(campaignResponse{
		ID:           campaign.ID,
		Subject:      campaign.Subject,
		Body:         campaign.Body,
		Sender:       campaign.Sender,
		StartTime:    campaign.StartTime,
		DelaySeconds: campaign.DelaySeconds,
		HourlyLimit:  campaign.HourlyLimit,
		TotalCount:   campaign.TotalCount,
		CreatedAt:    campaign.CreatedAt,
		Counts:       items,
	})
}

func (h *CampaignHandler) CancelCampaign(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	cancelled, err := h.service.Cancel(c.Context(), transport.OwnerID(c), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"campaignId": id,
		"cancelled":  cancelled,
	})
}

func recipientsPayload(c *fiber.Ctx) (string, error) {
	contentType := strings.ToLower(c.Get(fiber.HeaderContentType))
	if !strings.HasPrefix(contentType, fiber.MIMEMultipartForm) {
		return string(c.Body()), nil
	}

	header, err := c.FormFile("file")
	if err != nil {
		return "", fmt.Errorf("%w: multipart field \"file\" is required", domain.ErrValidation)
	}
	if header.Size > maxUploadBytes {
		return "", fmt.Errorf("%w: file exceeds %d bytes", domain.ErrValidation, maxUploadBytes)
	}

	file, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	return string(content), nil
}

// parsePaging returns zero page and size when neither is given, which
// selects the complete list the dashboard renders.
func parsePaging(c *fiber.Ctx) (int, int, error) {
	if c.Query("page") == "" && c.Query("pageSize") == "" {
		return 0, 0, nil
	}

	page := c.QueryInt("page", defaultPage)
	pageSize := c.QueryInt("pageSize", defaultPageSize)

	if page < 1 {
		return 0, 0, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return 0, 0, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}
	return page, pageSize, nil
}

func toEmailResponses(emails []domain.Email) []emailResponse {
	responses := make([]emailResponse, 0, len(emails))
	for _, email := range emails {
		responses = append(responses, toEmailResponse(email))
	}
	return responses
}

func toEmailResponse(e domain.Email) emailResponse {
	return emailResponse{
		ID:          e.Task.ID,
		To:          e.Task.Recipient,
		Subject:     e.Campaign.Subject,
		Body:        e.Campaign.Body,
		ScheduledAt: e.Task.DueAt,
		SentAt:      e.Task.FinishedAt(),
		Status:      e.Task.Status.String(),
		Sender:      e.Campaign.Sender,
		CampaignID:  e.Task.CampaignID,
		Attempts:    e.Task.Attempts,
	}
}

// validationError flattens validator output into one ErrValidation message.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := jsonFieldName(fe.Field())
		switch fe.Tag() {
		case "required":
			messages = append(messages, field+" is required")
		case "min":
			messages = append(messages, field+" must be at least "+fe.Param())
		case "max":
			if fe.Kind() == reflect.String {
				messages = append(messages, field+" must be at most "+fe.Param()+" characters")
				continue
			}
			messages = append(messages, field+" must be at most "+fe.Param())
		default:
			messages = append(messages, field+" is invalid")
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(messages, ", "))
}

func jsonFieldName(field string) string {
	switch field {
	case "Emails":
		return "emails"
	case "StartTime":
		return "startTime"
	case "DelayBetweenEmails":
		return "delayBetweenEmails"
	case "HourlyLimit":
		return "hourlyLimit"
	}
	return strings.ToLower(field)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrEmptyResult):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
