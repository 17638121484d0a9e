package git

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	giturls "github.com/whilp/git-urls"
)

// Client は Git リポジトリ操作を提供する
type Client struct {
	sshKeyPath  string
	sshPassword string
}

// NewClient は新しい Client を作成する
func NewClient(sshKeyPath, sshPassword string) *Client {
	return &Client{
		sshKeyPath:  sshKeyPath,
		sshPassword: sshPassword,
	}
}

// CommitInfo はコミット情報を表す
type CommitInfo struct {
	Hash    string
	Date    time.Time
	Message string
	Author  string
}

// FileInfo はファイル情報を表す
type FileInfo struct {
	Path        string
	Size        int64
	ContentHash string
}

// URLToDirectoryName はGit URLをディレクトリ名に変換する
func (c *Client) URLToDirectoryName(gitURL string) (string, error) {
	u, err := giturls.Parse(gitURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse git URL: %w", err)
	}

	hostname := u.Hostname()
	if hostname == "" {
		hostname = u.Host
	}

	path := strings.TrimPrefix(u.Path, "/")
	path = strings.TrimSuffix(path, ".git")

	return filepath.Join(hostname, path), nil
}

// Clone は Git リポジトリをクローンする
func (c *Client) Clone(ctx context.Context, url, destDir string) error {
	auth, err := c.getSSHAuth()
	if err != nil {
		return fmt.Errorf("failed to setup SSH auth: %w", err)
	}

	_, err = git.PlainCloneContext(ctx, destDir, false, &git.CloneOptions{
		URL:  url,
		Auth: auth,
	})
	if err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}

	return nil
}

// Pull は指定された ref を pull する
func (c *Client) Pull(ctx context.Context, repoPath, ref string) error {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	auth, err := c.getSSHAuth()
	if err != nil {
		return fmt.Errorf("failed to setup SSH auth: %w", err)
	}

	remote, err := repo.Remote("origin")
	if err != nil {
		return fmt.Errorf("failed to get remote: %w", err)
	}

	err = remote.FetchContext(ctx, &git.FetchOptions{
		Auth: auth,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("failed to fetch: %w", err)
	}

	err = worktree.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewRemoteReferenceName("origin", ref),
		Force:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to checkout: %w", err)
	}

	return nil
}

// CloneOrPull はリポジトリが存在しない場合はクローン、存在する場合は pull する
func (c *Client) CloneOrPull(ctx context.Context, url, destDir, ref string) error {
	gitDir := filepath.Join(destDir, ".git")
	if _, err := os.Stat(gitDir); os.IsNotExist(err) {
		return c.Clone(ctx, url, destDir)
	}

	return c.Pull(ctx, destDir, ref)
}

// GetCommitInfo は指定された ref のコミット情報を取得する
func (c *Client) GetCommitInfo(ctx context.Context, repoPath, ref string) (*CommitInfo, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	hash, err := c.resolveRef(repo, ref)
	if err != nil {
		return nil, err
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit object: %w", err)
	}

	return &CommitInfo{
		Hash:    commit.Hash.String(),
		Date:    commit.Author.When,
		Message: commit.Message,
		Author:  commit.Author.Name,
	}, nil
}

// ListFiles は指定された ref のファイル一覧を取得する
func (c *Client) ListFiles(ctx context.Context, repoPath, ref string) ([]*FileInfo, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	hash, err := c.resolveRef(repo, ref)
	if err != nil {
		return nil, err
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit object: %w", err)
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get tree: %w", err)
	}

	var files []*FileInfo
	err = tree.Files().ForEach(func(f *object.File) error {
		reader, err := f.Reader()
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", f.Name, err)
		}
		defer reader.Close()

		hash := sha256.New()
		size, err := io.Copy(hash, reader)
		if err != nil {
			return fmt.Errorf("failed to hash file %s: %w", f.Name, err)
		}

		files = append(files, &FileInfo{
			Path:        f.Name,
			Size:        size,
			ContentHash: fmt.Sprintf("%x", hash.Sum(nil)),
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate files: %w", err)
	}

	return files, nil
}

// ReadFile は指定された ref のファイル内容を読み込む
func (c *Client) ReadFile(ctx context.Context, repoPath, ref, path string) (string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}

	hash, err := c.resolveRef(repo, ref)
	if err != nil {
		return "", err
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		return "", fmt.Errorf("failed to get commit object: %w", err)
	}

	tree, err := commit.Tree()
	if err != nil {
		return "", fmt.Errorf("failed to get tree: %w", err)
	}

	file, err := tree.File(path)
	if err != nil {
		return "", fmt.Errorf("failed to get file %s: %w", path, err)
	}

	content, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("failed to read file contents: %w", err)
	}

	return content, nil
}

func (c *Client) getSSHAuth() (*ssh.PublicKeys, error) {
	if c.sshKeyPath == "" {
		return nil, nil
	}

	if _, err := os.Stat(c.sshKeyPath); os.IsNotExist(err) {
		return nil, nil
	}

	auth, err := ssh.NewPublicKeysFromFile("git", c.sshKeyPath, c.sshPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to load SSH key: %w", err)
	}

	return auth, nil
}

func (c *Client) resolveRef(repo *git.Repository, ref string) (plumbing.Hash, error) {
	branchRef, err := repo.Reference(plumbing.NewBranchReferenceName(ref), true)
	if err == nil {
		return branchRef.Hash(), nil
	}

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", ref), true)
	if err == nil {
		return remoteRef.Hash(), nil
	}

	tagRef, err := repo.Reference(plumbing.NewTagReferenceName(ref), true)
	if err == nil {
		return tagRef.Hash(), nil
	}

	if ref == "HEAD" {
		headRef, err := repo.Head()
		if err == nil {
			return headRef.Hash(), nil
		}
	}

	hash := plumbing.NewHash(ref)
	if !hash.IsZero() {
		_, err := repo.CommitObject(hash)
		if err == nil {
			return hash, nil
		}
	}

	return plumbing.ZeroHash, fmt.Errorf("failed to resolve ref: %s", ref)
}
