package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/process/entity"
	"github.com/bitfantasy/nimo-mes/internal/process/repository"
	"github.com/bitfantasy/nimo-mes/internal/process/sse"
	"github.com/bitfantasy/nimo-mes/internal/shared/storage"
	"go.uber.org/zap"
)

// 资源分类，决定资源相对路径的第一级目录
const (
	assetKindProcess = "process"
	assetKindStep    = "step"
)

const notifyTimeout = 5 * time.Second

// Actor 当前操作人
type Actor struct {
	Code string
	Name string
}

// Upload 上传的图片
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// SaveInput 保存请求
type SaveInput struct {
	Document         entity.ProcessDocument
	Steps            []entity.ProcessStep
	CreateNewVersion bool
	HeaderFile       *Upload
	// StepFiles 按工序在 Steps 中的下标（从 0 开始）索引
	StepFiles map[int]*Upload
}

// SaveResult 保存结果
type SaveResult struct {
	Document *entity.ProcessDocument `json:"document"`
	Action   string                  `json:"action"`
}

// ListQuery 列表查询
type ListQuery struct {
	Keyword    string `form:"keyword"`
	NewestOnly bool   `form:"newest_only"`
}

// ProcessService 工艺文件版本管理
type ProcessService struct {
	repos    *repository.Repositories
	store    storage.Store
	cache    *DetailCache
	hub      *sse.Hub
	notifier Notifier
	metrics  *SaveMetrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewProcessService 创建工艺文件服务；cache/hub/notifier/metrics 可为 nil
func NewProcessService(repos *repository.Repositories, store storage.Store, cache *DetailCache, hub *sse.Hub, notifier Notifier, metrics *SaveMetrics, logger *zap.Logger) *ProcessService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessService{
		repos:    repos,
		store:    store,
		cache:    cache,
		hub:      hub,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// List 列表/筛选
func (s *ProcessService) List(ctx context.Context, q ListQuery) ([]entity.ProcessDocument, error) {
	docs, err := s.repos.Process.List(ctx, repository.ListFilter{
		Keyword:    q.Keyword,
		NewestOnly: q.NewestOnly,
		Limit:      entity.MaxListResults,
	})
	if err != nil {
		return nil, fmt.Errorf("查询工艺文件失败: %w", err)
	}
	return docs, nil
}

// Get 获取工艺文件及按顺序排列的工序
func (s *ProcessService) Get(ctx context.Context, id uint64) (*entity.ProcessDocument, error) {
	if doc := s.cache.Get(ctx, id); doc != nil {
		return doc, nil
	}
	doc, err := s.repos.Process.FindWithSteps(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, "获取工艺文件失败")
	}
	s.cacheDetail(ctx, doc)
	return doc, nil
}

// cacheDetail 写入详情缓存；写入前已有新的提交时撤回该缓存
func (s *ProcessService) cacheDetail(ctx context.Context, doc *entity.ProcessDocument) {
	if !s.cache.Enabled() {
		return
	}
	s.cache.Set(ctx, doc)
	cur, err := s.repos.Process.FindByID(ctx, doc.ID)
	if err == nil && cur.RowVersion == doc.RowVersion {
		return
	}
	if err := s.cache.Invalidate(ctx, doc.ID); err != nil {
		s.logger.Warn("invalidate stale process cache failed", zap.Uint64("process_id", doc.ID), zap.Error(err))
	}
}

// History 零件名称的全部版本，版本号降序
func (s *ProcessService) History(ctx context.Context, partName string) ([]entity.ProcessDocument, error) {
	partName = strings.TrimSpace(partName)
	if partName == "" {
		return nil, invalid("零件名称不能为空")
	}
	docs, err := s.repos.Process.History(ctx, partName)
	if err != nil {
		return nil, fmt.Errorf("查询版本历史失败: %w", err)
	}
	return docs, nil
}

// OpenAsset 读取图片资源，返回内容与类型
func (s *ProcessService) OpenAsset(ctx context.Context, p string) (io.ReadCloser, string, error) {
	cleaned, err := storage.CleanPath(p)
	if err != nil {
		return nil, "", invalid("非法的资源路径")
	}
	rc, err := s.store.Open(ctx, cleaned)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("读取资源失败: %w", err)
	}
	return rc, storage.ContentType(cleaned), nil
}

// Save 保存工艺文件：新建、升版或原地编辑
func (s *ProcessService) Save(ctx context.Context, actor Actor, in SaveInput) (*SaveResult, error) {
	action := saveAction(in)
	result, err := s.save(ctx, actor, in, action)
	s.metrics.observeSave(action, err)
	if err != nil {
		return nil, err
	}

	doc := result.Document
	s.logger.Info("process saved",
		zap.Uint64("process_id", doc.ID),
		zap.String("part_name", doc.PartName),
		zap.Int("version", doc.Version),
		zap.String("branch", action),
	)
	s.afterCommit(ctx, doc, action)
	return result, nil
}

func saveAction(in SaveInput) string {
	switch {
	case in.Document.ID == 0:
		return entity.SaveActionCreated
	case in.CreateNewVersion:
		return entity.SaveActionVersioned
	default:
		return entity.SaveActionUpdated
	}
}

func (s *ProcessService) save(ctx context.Context, actor Actor, in SaveInput, action string) (*SaveResult, error) {
	if err := validateSave(actor, in); err != nil {
		return nil, err
	}
	in.Document.PartName = strings.TrimSpace(in.Document.PartName)

	st := newStaging(s.store, s.logger)
	var (
		doc *entity.ProcessDocument
		err error
	)
	switch action {
	case entity.SaveActionCreated:
		doc, err = s.create(ctx, actor, in, st)
	case entity.SaveActionVersioned:
		doc, err = s.newVersion(ctx, actor, in, st)
	default:
		doc, err = s.update(ctx, actor, in, st)
	}
	if err != nil {
		st.rollback(ctx)
		return nil, mapRepoError(err, "保存工艺文件失败")
	}
	st.commit(ctx)
	return &SaveResult{Document: doc, Action: action}, nil
}

func validateSave(actor Actor, in SaveInput) error {
	if strings.TrimSpace(actor.Code) == "" && strings.TrimSpace(actor.Name) == "" {
		return invalid("请重新登录")
	}
	if strings.TrimSpace(in.Document.PartName) == "" {
		return invalid("零件名称不能为空")
	}
	if len(in.Steps) == 0 {
		return invalid("至少需要一道工序")
	}
	for i, step := range in.Steps {
		if step.EstimatedTime < 0 {
			return invalid(fmt.Sprintf("第%d道工序的预计工时不能为负数", i+1))
		}
	}
	return nil
}

// create 新建工艺文件，版本号为 1
func (s *ProcessService) create(ctx context.Context, actor Actor, in SaveInput, st *staging) (*entity.ProcessDocument, error) {
	doc := in.Document
	doc.ID = 0
	doc.Version = 1
	doc.RowVersion = 1
	doc.Picture = ""
	doc.CreatedBy, doc.CreatedByName, doc.CreatedAt = actor.Code, actor.Name, s.now()
	doc.EditedBy, doc.EditedByName, doc.EditedAt = "", "", nil

	if in.HeaderFile != nil {
		p, err := st.save(ctx, assetKindProcess, in.HeaderFile)
		if err != nil {
			return nil, err
		}
		doc.Picture = p
	}

	steps := normalizeSteps(in.Steps)
	for i := range steps {
		steps[i].Picture = ""
		if up := in.StepFiles[i]; up != nil {
			p, err := st.save(ctx, assetKindStep, up)
			if err != nil {
				return nil, err
			}
			steps[i].Picture = p
		}
	}

	if err := s.persistNew(ctx, &doc, steps, false); err != nil {
		return nil, err
	}
	return &doc, nil
}

// newVersion 以传入文件为基础插入新版本，旧版本保持不变
func (s *ProcessService) newVersion(ctx context.Context, actor Actor, in SaveInput, st *staging) (*entity.ProcessDocument, error) {
	// 变更前读取源版本
	source, err := s.repos.Process.FindByID(ctx, in.Document.ID)
	if err != nil {
		return nil, err
	}

	doc := in.Document
	doc.ID = 0
	doc.RowVersion = 1
	doc.CreatedBy, doc.CreatedByName, doc.CreatedAt = actor.Code, actor.Name, s.now()
	doc.EditedBy, doc.EditedByName, doc.EditedAt = "", "", nil

	if in.HeaderFile != nil {
		doc.Picture, err = st.save(ctx, assetKindProcess, in.HeaderFile)
	} else {
		doc.Picture, err = st.duplicate(ctx, source.Picture)
	}
	if err != nil {
		return nil, err
	}

	steps := normalizeSteps(in.Steps)
	for i := range steps {
		if up := in.StepFiles[i]; up != nil {
			steps[i].Picture, err = st.save(ctx, assetKindStep, up)
		} else {
			steps[i].Picture, err = st.duplicate(ctx, steps[i].Picture)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := s.persistNew(ctx, &doc, steps, true); err != nil {
		return nil, err
	}
	return &doc, nil
}

// persistNew 在同一事务中写入文件及工序；nextVersion 为 true 时在事务内计算版本号
func (s *ProcessService) persistNew(ctx context.Context, doc *entity.ProcessDocument, steps []entity.ProcessStep, nextVersion bool) error {
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		if nextVersion {
			v, err := tx.Process.NextVersion(ctx, doc.PartName)
			if err != nil {
				return err
			}
			doc.Version = v
		} else {
			maxVersion, err := tx.Process.MaxVersion(ctx, doc.PartName)
			if err != nil {
				return err
			}
			if maxVersion > 0 {
				return invalid("零件已存在，请创建新版本")
			}
		}
		if err := tx.Process.Create(ctx, doc); err != nil {
			return err
		}
		for i := range steps {
			steps[i].ProcessID = doc.ID
		}
		return tx.Process.CreateSteps(ctx, steps)
	})
	if err != nil {
		doc.ID = 0
		return err
	}
	doc.Steps = steps
	return nil
}

// update 原地编辑当前版本并整体替换工序
func (s *ProcessService) update(ctx context.Context, actor Actor, in SaveInput, st *staging) (*entity.ProcessDocument, error) {
	existing, err := s.repos.Process.FindByID(ctx, in.Document.ID)
	if err != nil {
		return nil, err
	}
	if in.Document.RowVersion != 0 && in.Document.RowVersion != existing.RowVersion {
		return nil, repository.ErrConflict
	}
	oldSteps, err := s.repos.Process.ListSteps(ctx, existing.ID)
	if err != nil {
		return nil, err
	}

	doc := *existing
	doc.PartName = in.Document.PartName
	doc.WorkpieceSize = in.Document.WorkpieceSize
	doc.Material = in.Document.Material
	doc.Note = in.Document.Note
	editedAt := s.now()
	doc.EditedBy, doc.EditedByName, doc.EditedAt = actor.Code, actor.Name, &editedAt

	if in.HeaderFile != nil {
		p, err := st.save(ctx, assetKindProcess, in.HeaderFile)
		if err != nil {
			return nil, err
		}
		st.scheduleDelete(existing.Picture)
		doc.Picture = p
	}

	owned := make(map[string]bool, len(oldSteps))
	for _, old := range oldSteps {
		if old.Picture != "" {
			owned[old.Picture] = true
		}
	}

	steps := normalizeSteps(in.Steps)
	retained := make(map[string]bool, len(steps))
	for i := range steps {
		if up := in.StepFiles[i]; up != nil {
			p, err := st.save(ctx, assetKindStep, up)
			if err != nil {
				return nil, err
			}
			steps[i].Picture = p
			continue
		}
		p := steps[i].Picture
		if p == "" {
			continue
		}
		if !owned[p] {
			// 只能沿用本文件已有工序的图片
			s.logger.Warn("dropping foreign step picture reference",
				zap.Uint64("process_id", existing.ID),
				zap.String("picture", p),
			)
			steps[i].Picture = ""
			continue
		}
		if retained[p] {
			// 同一图片被多道工序引用时，后者使用独立副本
			dup, err := st.duplicate(ctx, p)
			if err != nil {
				return nil, err
			}
			steps[i].Picture = dup
			continue
		}
		retained[p] = true
	}
	for _, old := range oldSteps {
		if old.Picture != "" && !retained[old.Picture] {
			st.scheduleDelete(old.Picture)
		}
	}

	err = s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		if doc.PartName != existing.PartName {
			taken, err := tx.Process.VersionTaken(ctx, doc.PartName, doc.Version, doc.ID)
			if err != nil {
				return err
			}
			if taken {
				return invalid(fmt.Sprintf("零件 %s 已存在版本 v%d", doc.PartName, doc.Version))
			}
		}
		if err := tx.Process.UpdateGuarded(ctx, &doc, existing.RowVersion); err != nil {
			return err
		}
		if err := tx.Process.DeleteSteps(ctx, doc.ID); err != nil {
			return err
		}
		for i := range steps {
			steps[i].ProcessID = doc.ID
		}
		return tx.Process.CreateSteps(ctx, steps)
	})
	if err != nil {
		return nil, err
	}
	doc.Steps = steps
	return &doc, nil
}

// normalizeSteps 复制工序，位置重排为 1..N，装夹数量缺省为 1
func normalizeSteps(in []entity.ProcessStep) []entity.ProcessStep {
	steps := make([]entity.ProcessStep, len(in))
	for i, step := range in {
		step.ID = 0
		step.ProcessID = 0
		step.Position = i + 1
		step.QuantityPerSetup = strings.TrimSpace(step.QuantityPerSetup)
		if step.QuantityPerSetup == "" {
			step.QuantityPerSetup = entity.DefaultQuantityPerSetup
		}
		steps[i] = step
	}
	return steps
}

// Delete 删除工艺文件、工序及其全部图片
func (s *ProcessService) Delete(ctx context.Context, actor Actor, id uint64) error {
	if strings.TrimSpace(actor.Code) == "" && strings.TrimSpace(actor.Name) == "" {
		return invalid("请重新登录")
	}
	doc, err := s.repos.Process.FindWithSteps(ctx, id)
	if err != nil {
		return mapRepoError(err, "删除工艺文件失败")
	}

	err = s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		if err := tx.Process.DeleteSteps(ctx, id); err != nil {
			return err
		}
		return tx.Process.Delete(ctx, id)
	})
	if err != nil {
		s.metrics.observeSave(entity.SaveActionDeleted, err)
		return mapRepoError(err, "删除工艺文件失败")
	}
	s.metrics.observeSave(entity.SaveActionDeleted, nil)

	st := newStaging(s.store, s.logger)
	st.scheduleDelete(doc.Picture)
	for _, step := range doc.Steps {
		st.scheduleDelete(step.Picture)
	}
	st.commit(ctx)

	s.logger.Info("process deleted",
		zap.Uint64("process_id", doc.ID),
		zap.String("part_name", doc.PartName),
		zap.Int("version", doc.Version),
		zap.String("operator", actor.Code),
	)
	s.afterCommit(ctx, doc, entity.SaveActionDeleted)
	return nil
}

// afterCommit 提交后的缓存失效、事件广播与升版通知，失败只记录日志
func (s *ProcessService) afterCommit(ctx context.Context, doc *entity.ProcessDocument, action string) {
	if err := s.cache.Invalidate(ctx, doc.ID); err != nil {
		s.logger.Warn("invalidate process cache failed", zap.Uint64("process_id", doc.ID), zap.Error(err))
	}
	if s.hub != nil {
		s.hub.PublishProcessUpdate(sse.ProcessUpdate{
			ProcessID: doc.ID,
			PartName:  doc.PartName,
			Version:   doc.Version,
			Action:    action,
		})
	}
	if action == entity.SaveActionVersioned && s.notifier != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := s.notifier.NotifyRevision(nctx, doc); err != nil {
			s.logger.Warn("send revision notification failed",
				zap.Uint64("process_id", doc.ID),
				zap.Error(err),
			)
		}
	}
}

func mapRepoError(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case IsValidation(err), errors.Is(err, ErrNotFound), errors.Is(err, ErrConcurrency):
		return err
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrConflict):
		return ErrConcurrency
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
