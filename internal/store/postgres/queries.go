package postgres

const queryInsertCampaign = `
INSERT INTO campaigns (id, user_id, name, subject, content, recipients, status, dispatch_claimed, scheduled_at, sent_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8, NULL, $9, $10)
`

const queryGetCampaign = `
SELECT id, user_id, name, subject, content, recipients, status, dispatch_claimed,
       scheduled_at, sent_at, created_at, updated_at
FROM campaigns
WHERE id = $1
`

const queryListCampaigns = `
SELECT id, user_id, name, subject, content, recipients, status, dispatch_claimed,
       scheduled_at, sent_at, created_at, updated_at
FROM campaigns
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`

const queryScheduleCampaign = `
UPDATE campaigns
SET status = 'SCHEDULED', scheduled_at = $2, updated_at = NOW()
WHERE id = $1
  AND status IN ('DRAFT', 'SCHEDULED')
`

const queryCancelSchedule = `
UPDATE campaigns
SET status = 'DRAFT', scheduled_at = NULL, updated_at = NOW()
WHERE id = $1
  AND status = 'SCHEDULED'
`

const queryFindDueCampaigns = `
SELECT id, user_id, name, subject, content, recipients, status, dispatch_claimed,
       scheduled_at, sent_at, created_at, updated_at
FROM campaigns
WHERE status = 'SCHEDULED'
  AND scheduled_at <= $1
ORDER BY scheduled_at ASC
LIMIT $2
`

const queryClaimForDispatch = `
UPDATE campaigns
SET status = 'SENDING', updated_at = NOW()
WHERE id = $1
  AND status = 'SCHEDULED'
`

const queryClaimExpansion = `
UPDATE campaigns
SET dispatch_claimed = true, updated_at = NOW()
WHERE id = $1
  AND dispatch_claimed = false
`

const queryMarkCampaignFailed = `
UPDATE campaigns
SET status = 'FAILED', updated_at = NOW()
WHERE id = $1
  AND status NOT IN ('SENT', 'FAILED')
`

const queryCompleteCampaign = `
UPDATE campaigns
SET status = 'SENT', sent_at = $2, updated_at = NOW()
WHERE id = $1
  AND status = 'SENDING'
`

const queryFindStuckCampaigns = `
SELECT id, user_id, name, subject, content, recipients, status, dispatch_claimed,
       scheduled_at, sent_at, created_at, updated_at
FROM campaigns
WHERE status = 'SENDING'
  AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2
`

const queryInsertDelivery = `
INSERT INTO deliveries (id, campaign_id, recipient, status, attempts, error, sent_at, created_at, updated_at)
VALUES ($1, $2, $3, 'QUEUED', 0, '', NULL, $4, $4)
`

const queryListDeliveriesByCampaign = `
SELECT id, campaign_id, recipient, status, attempts, error, sent_at, created_at, updated_at
FROM deliveries
WHERE campaign_id = $1
ORDER BY created_at ASC
`

const queryListDeliveriesPage = `
SELECT id, campaign_id, recipient, status, attempts, error, sent_at, created_at, updated_at
FROM deliveries
WHERE campaign_id = $1
ORDER BY created_at ASC
LIMIT $2 OFFSET $3
`

const queryMarkDeliverySent = `
UPDATE deliveries
SET status = 'SENT', attempts = $2, sent_at = $3, error = '', updated_at = NOW()
WHERE id = $1
  AND status = 'QUEUED'
`

const queryRecordDeliveryError = `
UPDATE deliveries
SET attempts = $2, error = $3, updated_at = NOW()
WHERE id = $1
  AND status = 'QUEUED'
`

const queryMarkDeliveryFailed = `
UPDATE deliveries
SET status = 'FAILED', attempts = $2, error = $3, updated_at = NOW()
WHERE id = $1
  AND status = 'QUEUED'
`

const queryCountDeliveries = `
SELECT status, COUNT(*)
FROM deliveries
WHERE campaign_id = $1
GROUP BY status
`
