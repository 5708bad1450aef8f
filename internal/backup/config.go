package backup

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// StorageConfig configures every storage location the engine may write to.
// A nil section leaves that location unconfigured.
type StorageConfig struct {
	Primary     *S3Config      `mapstructure:"primary" yaml:"primary,omitempty"`
	SecondaryA  *GCSConfig     `mapstructure:"secondary_a" yaml:"secondary_a,omitempty"`
	SecondaryB  *AzureConfig   `mapstructure:"secondary_b" yaml:"secondary_b,omitempty"`
	Local       *LocalConfig   `mapstructure:"local" yaml:"local,omitempty"`
	Regions     []RegionConfig `mapstructure:"regions" yaml:"regions,omitempty"`
	Default     string         `mapstructure:"default" yaml:"default"`
	MaxParallel int            `mapstructure:"max_parallel" yaml:"max_parallel"`
}

// RegionConfig is one S3-compatible bucket taking part in multi-region storage
type RegionConfig struct {
	Name string   `mapstructure:"name" yaml:"name"`
	S3   S3Config `mapstructure:"s3" yaml:"s3"`
}

// LocalConfig represents local file system storage configuration
type LocalConfig struct {
	BasePath    string      `mapstructure:"base_path" yaml:"base_path"`
	Permissions os.FileMode `mapstructure:"permissions" yaml:"permissions"`
}

// S3Config represents Amazon S3 (or compatible) storage configuration
type S3Config struct {
	Bucket         string `mapstructure:"bucket" yaml:"bucket"`
	Region         string `mapstructure:"region" yaml:"region"`
	AccessKey      string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey      string `mapstructure:"secret_key" yaml:"secret_key"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`
	PartSizeMB     int64  `mapstructure:"part_size_mb" yaml:"part_size_mb,omitempty"`
}

// GCSConfig represents Google Cloud Storage configuration
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`
	ProjectID       string `mapstructure:"project_id" yaml:"project_id"`
}

// AzureConfig represents Azure Blob Storage configuration
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	Endpoint      string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
}

// EncryptionConfig holds the master key source. Exactly one of the key fields is used,
// in the order MasterKey, MasterKeyFile, Passphrase.
type EncryptionConfig struct {
	MasterKey      string `mapstructure:"master_key" yaml:"master_key,omitempty"`
	MasterKeyFile  string `mapstructure:"master_key_file" yaml:"master_key_file,omitempty"`
	Passphrase     string `mapstructure:"passphrase" yaml:"passphrase,omitempty"`
	Salt           string `mapstructure:"salt" yaml:"salt,omitempty"`
	ChunkSizeBytes int    `mapstructure:"chunk_size_bytes" yaml:"chunk_size_bytes,omitempty"`
}

// VerificationConfig controls the verification engine and auto-verify behavior
type VerificationConfig struct {
	AutoVerify    bool          `mapstructure:"auto_verify" yaml:"auto_verify"`
	MinAge        time.Duration `mapstructure:"min_age" yaml:"min_age"`
	MaxParallel   int           `mapstructure:"max_parallel" yaml:"max_parallel"`
	SweepSchedule string        `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
	// SkipStructureCheck disables the decode-and-inspect step
	SkipStructureCheck bool `mapstructure:"skip_structure_check" yaml:"skip_structure_check"`
}

// HasKeySource reports whether any master key source is configured
func (ec *EncryptionConfig) HasKeySource() bool {
	return ec.MasterKey != "" || ec.MasterKeyFile != "" || ec.Passphrase != ""
}

// Validate validates the EncryptionConfig
func (ec *EncryptionConfig) Validate() error {
	var errors ValidationErrors

	if ec.MasterKey != "" && len(ec.MasterKey) != 64 {
		errors.Add("encryption.master_key", "master key must be 64 hex characters", len(ec.MasterKey))
	}
	if ec.Passphrase != "" && len(ec.Passphrase) < 12 {
		errors.Add("encryption.passphrase", "passphrase must be at least 12 characters", len(ec.Passphrase))
	}
	if ec.ChunkSizeBytes < 0 {
		errors.Add("encryption.chunk_size_bytes", "chunk size cannot be negative", ec.ChunkSizeBytes)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for encryption configuration
func (ec *EncryptionConfig) SetDefaults() {
	if ec.Salt == "" {
		ec.Salt = "tenant-backup"
	}
	if ec.ChunkSizeBytes == 0 {
		ec.ChunkSizeBytes = DefaultChunkSize
	}
}

// LoadFromEnvironment loads encryption configuration from environment variables
func (ec *EncryptionConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_MASTER_KEY"); val != "" {
		ec.MasterKey = val
	}
	if val := os.Getenv("BACKUP_MASTER_KEY_FILE"); val != "" {
		ec.MasterKeyFile = val
	}
	if val := os.Getenv("BACKUP_MASTER_PASSPHRASE"); val != "" {
		ec.Passphrase = val
	}
}

// Validate validates the VerificationConfig
func (vc *VerificationConfig) Validate() error {
	var errors ValidationErrors

	if vc.MinAge < 0 {
		errors.Add("verification.min_age", "minimum age cannot be negative", vc.MinAge)
	}
	if vc.MaxParallel < 0 {
		errors.Add("verification.max_parallel", "parallelism cannot be negative", vc.MaxParallel)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for verification configuration
func (vc *VerificationConfig) SetDefaults() {
	if vc.MinAge == 0 {
		vc.MinAge = DefaultVerificationMinAge
	}
	if vc.MaxParallel == 0 {
		vc.MaxParallel = 4
	}
	if vc.SweepSchedule == "" {
		vc.SweepSchedule = "30 * * * *"
	}
}

// Validate validates the StorageConfig struct
func (sc *StorageConfig) Validate() error {
	var errors ValidationErrors

	merge := func(field string, err error) {
		if err == nil {
			return
		}
		if validationErrs, ok := err.(ValidationErrors); ok {
			for _, ve := range validationErrs {
				errors.Add(field+"."+ve.Field, ve.Message, ve.Value)
			}
			return
		}
		errors.Add(field, err.Error(), nil)
	}

	if sc.Primary != nil {
		merge("storage.primary", sc.Primary.Validate())
	}
	if sc.SecondaryA != nil {
		merge("storage.secondary_a", sc.SecondaryA.Validate())
	}
	if sc.SecondaryB != nil {
		merge("storage.secondary_b", sc.SecondaryB.Validate())
	}
	if sc.Local != nil {
		merge("storage.local", sc.Local.Validate())
	}

	seen := make(map[string]bool)
	for i, region := range sc.Regions {
		field := "storage.regions[" + strconv.Itoa(i) + "]"
		if region.Name == "" {
			errors.Add(field+".name", "region name is required", region.Name)
		} else if seen[region.Name] {
			errors.Add(field+".name", "duplicate region name", region.Name)
		}
		seen[region.Name] = true
		merge(field+".s3", region.S3.Validate())
	}

	if sc.Primary == nil && sc.SecondaryA == nil && sc.SecondaryB == nil && sc.Local == nil && len(sc.Regions) == 0 {
		errors.Add("storage", "at least one storage location must be configured", nil)
	}

	if sc.Default != "" && !StorageLocation(sc.Default).IsValid() {
		errors.Add("storage.default", "invalid storage location", sc.Default)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for storage configuration
func (sc *StorageConfig) SetDefaults() {
	if sc.Primary != nil {
		sc.Primary.SetDefaults()
	}
	if sc.SecondaryA != nil {
		sc.SecondaryA.SetDefaults()
	}
	if sc.Local != nil {
		sc.Local.SetDefaults()
	}
	for i := range sc.Regions {
		sc.Regions[i].S3.SetDefaults()
	}
	if sc.Default == "" {
		switch {
		case sc.Primary != nil:
			sc.Default = string(StorageLocationPrimary)
		case sc.Local != nil:
			sc.Default = string(StorageLocationLocalDisk)
		}
	}
	if sc.MaxParallel == 0 {
		sc.MaxParallel = 4
	}
}

// LoadFromEnvironment loads storage configuration from environment variables.
// A section is created when its identifying variable is present.
func (sc *StorageConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_BUCKET"); val != "" {
		if sc.Primary == nil {
			sc.Primary = &S3Config{}
		}
		sc.Primary.Bucket = val
	}
	if sc.Primary != nil {
		sc.Primary.LoadFromEnvironment()
	}

	if val := os.Getenv("BACKUP_SECONDARY_A_BUCKET"); val != "" {
		if sc.SecondaryA == nil {
			sc.SecondaryA = &GCSConfig{}
		}
	}
	if sc.SecondaryA != nil {
		sc.SecondaryA.LoadFromEnvironment()
	}

	if val := os.Getenv("BACKUP_CONTAINER"); val != "" {
		if sc.SecondaryB == nil {
			sc.SecondaryB = &AzureConfig{}
		}
		sc.SecondaryB.ContainerName = val
	}
	if sc.SecondaryB != nil {
		sc.SecondaryB.LoadFromEnvironment()
	}

	if val := os.Getenv("BACKUP_LOCAL_PATH"); val != "" {
		if sc.Local == nil {
			sc.Local = &LocalConfig{}
		}
		sc.Local.BasePath = val
	}
	if sc.Local != nil {
		sc.Local.LoadFromEnvironment()
	}

	if val := os.Getenv("BACKUP_STORAGE_DEFAULT"); val != "" {
		sc.Default = strings.ToLower(val)
	}
}

// Validate validates the LocalConfig struct
func (lc *LocalConfig) Validate() error {
	var errors ValidationErrors

	if lc.BasePath == "" {
		errors.Add("base_path", "base path is required for local storage", lc.BasePath)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for local storage configuration
func (lc *LocalConfig) SetDefaults() {
	if lc.BasePath == "" {
		lc.BasePath = "./backups"
	}
	if lc.Permissions == 0 {
		lc.Permissions = 0755
	}
}

// LoadFromEnvironment loads local storage configuration from environment variables
func (lc *LocalConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_LOCAL_PERMISSIONS"); val != "" {
		if parsed, err := strconv.ParseUint(val, 8, 32); err == nil {
			lc.Permissions = os.FileMode(parsed)
		}
	}
}

// Validate validates the S3Config struct. Credentials may come from the default
// AWS chain, so only the bucket and region are mandatory.
func (s3c *S3Config) Validate() error {
	var errors ValidationErrors

	if s3c.Bucket == "" {
		errors.Add("bucket", "S3 bucket name is required", s3c.Bucket)
	}
	if s3c.Region == "" {
		errors.Add("region", "S3 region is required", s3c.Region)
	}
	if (s3c.AccessKey == "") != (s3c.SecretKey == "") {
		errors.Add("access_key", "S3 access key and secret key must be set together", nil)
	}
	if s3c.PartSizeMB < 0 {
		errors.Add("part_size_mb", "part size cannot be negative", s3c.PartSizeMB)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for S3 storage configuration
func (s3c *S3Config) SetDefaults() {
	if s3c.Region == "" {
		s3c.Region = "us-east-1"
	}
	if s3c.PartSizeMB == 0 {
		s3c.PartSizeMB = 16
	}
}

// LoadFromEnvironment loads S3 storage configuration from environment variables
func (s3c *S3Config) LoadFromEnvironment() {
	if val := os.Getenv("AWS_REGION"); val != "" {
		s3c.Region = val
	}
	if val := os.Getenv("AWS_ACCESS_KEY_ID"); val != "" {
		s3c.AccessKey = val
	}
	if val := os.Getenv("AWS_SECRET_ACCESS_KEY"); val != "" {
		s3c.SecretKey = val
	}
	if val := os.Getenv("AWS_ENDPOINT"); val != "" {
		s3c.Endpoint = val
		s3c.ForcePathStyle = true
	}
}

// Validate validates the GCSConfig struct
func (gc *GCSConfig) Validate() error {
	var errors ValidationErrors

	if gc.Bucket == "" {
		errors.Add("bucket", "GCS bucket name is required", gc.Bucket)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for GCS storage configuration
func (gc *GCSConfig) SetDefaults() {
	if gc.CredentialsPath == "" {
		gc.CredentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
}

// LoadFromEnvironment loads GCS storage configuration from environment variables
func (gc *GCSConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_SECONDARY_A_BUCKET"); val != "" {
		gc.Bucket = val
	}
	if val := os.Getenv("BACKUP_SECONDARY_A_CREDENTIALS"); val != "" {
		gc.CredentialsPath = val
	}
	if val := os.Getenv("BACKUP_SECONDARY_A_PROJECT"); val != "" {
		gc.ProjectID = val
	}
}

// Validate validates the AzureConfig struct
func (ac *AzureConfig) Validate() error {
	var errors ValidationErrors

	if ac.AccountName == "" {
		errors.Add("account_name", "Azure account name is required", ac.AccountName)
	}
	if ac.AccountKey == "" {
		errors.Add("account_key", "Azure account key is required", nil)
	}
	if ac.ContainerName == "" {
		errors.Add("container_name", "Azure container name is required", ac.ContainerName)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// LoadFromEnvironment loads Azure storage configuration from environment variables
func (ac *AzureConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_SECONDARY_B_ACCOUNT"); val != "" {
		ac.AccountName = val
	}
	if val := os.Getenv("BACKUP_SECONDARY_B_KEY"); val != "" {
		ac.AccountKey = val
	}
	if val := os.Getenv("BACKUP_SECONDARY_B_CONTAINER"); val != "" {
		ac.ContainerName = val
	}
}
